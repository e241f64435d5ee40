// Package dispatch routes inbound user actions to commands and forms.
//
// # Overview
//
// A messaging bridge calls three entry points:
//
//   - HandleCommand for "<prefix>name args..."
//   - HandleButton for a pressed button, identified by an opaque token
//   - HandleText for any other message, which feeds the active form
//
// Each returns a Response: plain text plus an optional grid of buttons.
// The bridge decides how to render them; nothing here emits platform
// markup.
//
// # Identity
//
// The first time a user is seen they are recorded as pending, the action
// is audited and the admins are notified through the Notifier. Pending and
// blocked users can only use help and whoami.
//
// # Buttons
//
// Button tokens are short random strings mapped to an action in a TTL
// cache. A token is only honored for the user and chat it was issued to
// and expires after the callback TTL. Buttons that drive a form also carry
// the form id and step, so a button from an earlier step cannot act on a
// later one.
//
// # Errors
//
// Errors never reach the user verbatim from internal layers. userMessage
// maps each error kind (denied, invalid input, not found, storage, backend
// auth, offline) to a short explanation; unexpected errors are logged and
// reported generically.
package dispatch
