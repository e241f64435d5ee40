// ABOUTME: Maps error kinds to user-visible messages
// ABOUTME: Internal detail stays in logs; users get a reason they can act on

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/condor/internal/access"
	"github.com/2389/condor/internal/backend"
	"github.com/2389/condor/internal/flow"
	"github.com/2389/condor/internal/forms"
	"github.com/2389/condor/internal/pool"
	"github.com/2389/condor/internal/store"
)

// errUsage reports a malformed command.
type errUsage struct{ usage string }

func (e errUsage) Error() string { return "usage: " + e.usage }

// userMessage explains err to the user. known is false for errors that
// should also be logged as unexpected.
func userMessage(err error) (msg string, known bool) {
	var (
		denied *access.DeniedError
		input  *flow.InputError
		usage  errUsage
		status *backend.StatusError
	)
	switch {
	case errors.As(err, &usage):
		return "Usage: " + usage.usage, true
	case errors.As(err, &denied):
		switch denied.Reason {
		case access.ReasonPendingApproval:
			return "Your access is awaiting approval by an admin.", true
		case access.ReasonBlocked:
			return "You have been blocked from using this bot.", true
		case access.ReasonAdminRequired:
			return "Only admins can do that.", true
		default:
			if denied.ServerID != "" {
				return fmt.Sprintf("You need %s access to %s for that.", denied.Required, denied.ServerID), true
			}
			return "You do not have access to that.", true
		}
	case errors.As(err, &input):
		return fmt.Sprintf("That value was not accepted: %v", input.Err), true
	case errors.Is(err, flow.ErrNoActiveFlow):
		return "There is no open form here.", true
	case errors.Is(err, flow.ErrNotOwner):
		return "That form belongs to someone else.", true
	case errors.Is(err, flow.ErrBusy):
		return "Another user has a form open here. Wait for them to finish, or start yours in a thread.", true
	case errors.Is(err, flow.ErrCancelled):
		return "The form was cancelled.", true
	case errors.Is(err, flow.ErrNoDefault):
		return "This field has no default; please enter a value.", true
	case errors.Is(err, flow.ErrWrongState), errors.Is(err, flow.ErrUnknownField):
		return "That is not possible at this step.", true
	case errors.Is(err, store.ErrStorage):
		return "Saving failed and the change was not applied. Please try again later.", true
	case errors.Is(err, store.ErrValidation), errors.Is(err, store.ErrNotFound):
		return capitalize(err.Error()) + ".", true
	case errors.Is(err, pool.ErrNoDefault), errors.Is(err, forms.ErrMissingTarget):
		return "No server selected. Give a server id, pick one with `use <id>`, or ask an admin to set a default.", true
	case errors.Is(err, backend.ErrAuth):
		return "The server rejected its credentials. Someone with manage access should update them with edit_server.", true
	case errors.Is(err, backend.ErrOffline):
		return "The server could not be reached.", true
	case errors.Is(err, backend.ErrUnsupported):
		return "This server's transport does not support that operation.", true
	case errors.Is(err, pool.ErrUnavailable):
		return "That server is unavailable (unknown or disabled).", true
	case errors.As(err, &status):
		return fmt.Sprintf("The server returned an error (HTTP %d).", status.Status), true
	case errors.Is(err, context.DeadlineExceeded):
		return "The operation timed out.", true
	case errors.Is(err, store.ErrClosed), errors.Is(err, flow.ErrClosed), errors.Is(err, pool.ErrClosed):
		return "The bot is shutting down.", true
	}
	return "Something went wrong. The error has been logged.", false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	if c := s[0]; c >= 'a' && c <= 'z' {
		return string(c-'a'+'A') + s[1:]
	}
	return s
}
