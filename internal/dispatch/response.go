// ABOUTME: Renderable responses returned to the messaging bridge
// ABOUTME: Text plus rows of buttons; the bridge owns all platform formatting

package dispatch

import (
	"fmt"
	"strings"

	"github.com/2389/condor/internal/store"
)

// Origin identifies who sent an action and where.
type Origin struct {
	UserID   store.UserID
	Username string
	ChatID   string
	Topic    string
}

// Button is one pressable choice. Token is passed back to HandleButton.
type Button struct {
	Label string
	Token string
}

// Response is what the bridge renders for one action.
type Response struct {
	Text    string
	Buttons [][]Button
}

// Empty reports whether there is nothing to send.
func (r Response) Empty() bool {
	return r.Text == "" && len(r.Buttons) == 0
}

// Flat returns the buttons in reading order.
func (r Response) Flat() []Button {
	var out []Button
	for _, row := range r.Buttons {
		out = append(out, row...)
	}
	return out
}

func text(format string, args ...any) Response {
	return Response{Text: fmt.Sprintf(format, args...)}
}

// lines joins non-empty parts with newlines.
func lines(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
