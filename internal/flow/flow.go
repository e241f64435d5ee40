// ABOUTME: Flow definitions, fields and the rendered view of a running flow
// ABOUTME: A Definition is data plus callbacks; View is what the user sees

package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/condor/internal/store"
)

// State is the lifecycle position of a flow.
type State string

const (
	StateCollecting State = "collecting"
	StateConfirming State = "confirming"
	StateSubmitted  State = "submitted"
	StateCancelled  State = "cancelled"
	StateExpired    State = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSubmitted || s == StateCancelled || s == StateExpired
}

// Key identifies where a flow runs.
type Key struct {
	Chat  string
	Topic string
}

func (k Key) String() string {
	if k.Topic == "" {
		return k.Chat
	}
	return k.Chat + "/" + k.Topic
}

// Mask replaces sensitive values in views and transcripts.
const Mask = "********"

// Values holds collected field values by field name.
type Values map[string]string

// Get returns the value for name, or "" if it was not collected.
func (v Values) Get(name string) string { return v[name] }

// Validator checks and normalizes raw input for a field. prior holds the
// values collected before this field.
type Validator func(ctx context.Context, input string, prior Values) (string, error)

// Field is one step of a flow.
type Field struct {
	Name   string
	Label  string
	Prompt string

	Validate Validator

	Default    string
	HasDefault bool

	// Options, when set, are the accepted choices; input outside them is
	// rejected before Validate runs.
	Options []string

	Sensitive bool
}

func (f Field) label() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// Submission is handed to a Definition's Submit callback.
type Submission struct {
	FlowID string
	Key    Key
	Owner  store.UserID
	Values Values
}

// Definition describes a kind of flow.
type Definition struct {
	Kind   string
	Title  string
	Fields []Field

	// Submit applies the collected values. The returned text is shown to
	// the user on success.
	Submit func(ctx context.Context, sub Submission) (string, error)
}

func (d *Definition) validate() error {
	if d.Kind == "" {
		return fmt.Errorf("flow definition: kind is required")
	}
	if len(d.Fields) == 0 {
		return fmt.Errorf("flow definition %s: at least one field is required", d.Kind)
	}
	if d.Submit == nil {
		return fmt.Errorf("flow definition %s: submit is required", d.Kind)
	}
	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("flow definition %s: field without a name", d.Kind)
		}
		if seen[f.Name] {
			return fmt.Errorf("flow definition %s: duplicate field %q", d.Kind, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

func (d *Definition) fieldIndex(name string) int {
	for i, f := range d.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FieldView is the renderable part of a Field.
type FieldView struct {
	Name       string
	Label      string
	Prompt     string
	Default    string
	HasDefault bool
	Options    []string
	Sensitive  bool
}

// Line is one collected value as shown to the user.
type Line struct {
	Name  string
	Label string
	Value string
}

// View is a snapshot of a flow for rendering. Sensitive values are masked.
type View struct {
	ID    string
	Key   Key
	Kind  string
	Title string
	State State

	// Field is the field being collected when State is StateCollecting.
	Field *FieldView
	// Step is the 1-based position of Field; Total is the field count.
	Step  int
	Total int
	// Editing is set when Field was opened from the confirmation step.
	Editing bool
	// CanGoBack reports whether Back is available.
	CanGoBack bool

	// Summary lists collected values in field order.
	Summary []Line

	// Result is the submit callback's message once State is StateSubmitted.
	Result string
	// Replaced is set by Start when an earlier flow for the key was cancelled.
	Replaced string
}

// Transcript renders the collected values as plain text lines. Sensitive
// values never appear in it.
func (v View) Transcript() string {
	var b strings.Builder
	if v.Title != "" {
		b.WriteString(v.Title)
		b.WriteString("\n")
	}
	for _, l := range v.Summary {
		fmt.Fprintf(&b, "%s: %s\n", l.Label, l.Value)
	}
	return b.String()
}

// Expired describes a flow removed by the idle sweep.
type Expired struct {
	ID    string
	Key   Key
	Owner store.UserID
	Kind  string
	Title string
}
