// Package flow implements progressive forms: guided multi-step input that
// collects one field at a time before a single atomic submission.
//
// # Overview
//
// An Engine owns every active flow, keyed by the chat and topic (thread) it
// runs in. At most one flow is active per key. A flow walks through its
// fields in order, then waits for confirmation:
//
//	collecting[0] -> collecting[1] -> ... -> confirming -> submitted
//	      \______________ cancel / idle timeout _______/-> cancelled | expired
//
// Each field may carry a validator that normalizes input, a default the
// user can keep, a list of choices, and a sensitive flag. Bad input leaves
// the flow on the same field with an *InputError; nothing already collected
// is touched.
//
// # Navigation
//
//   - Back returns to the previous field and discards the value that field
//     held. From confirming it re-opens the last field.
//   - EditField jumps from confirming to one named field; once it is
//     accepted the flow goes straight back to confirming.
//   - KeepDefault accepts the current field's default.
//
// # Ownership and Cancellation
//
// Only the user who started a flow may drive it. Cancel takes effect
// immediately: the flow's context is cancelled, so a validator or submit
// callback still running observes ctx.Done, and its result is discarded.
//
// # Expiry
//
// Flows idle for longer than Options.IdleTimeout are removed by a background
// sweep (Run) even if no further input arrives, and Options.OnExpire is
// called so the owner can be told.
//
// # Sensitive Fields
//
// Values of fields marked Sensitive are held in memory for the submit step
// but are masked in every View, in Transcript output and in logs.
package flow
