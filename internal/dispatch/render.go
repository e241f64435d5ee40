// ABOUTME: Renders flow views as text with step buttons
// ABOUTME: Every button carries the flow id, step and state it was issued for

package dispatch

import (
	"fmt"
	"strings"

	"github.com/2389/condor/internal/flow"
)

const (
	optionsPerRow = 3
	editsPerRow   = 2
	maxLabelLen   = 32
)

// flowResponse renders the outcome of a flow operation. When the operation
// failed but the flow is still open, the current step is shown again under
// the error.
func (d *Dispatcher) flowResponse(o Origin, v flow.View, err error) Response {
	if err == nil {
		return d.render(o, v, "")
	}
	failed := d.fail(o, "flow", err)
	current, ok := d.flows.Active(flow.Key{Chat: o.ChatID, Topic: o.Topic})
	if !ok {
		return failed
	}
	if owner, _ := d.flows.Owner(current.Key); owner != o.UserID {
		return failed
	}
	return d.render(o, current, failed.Text)
}

// render draws v for its owner. note is shown above the step.
func (d *Dispatcher) render(o Origin, v flow.View, note string) Response {
	switch v.State {
	case flow.StateCollecting:
		return d.renderField(o, v, note)
	case flow.StateConfirming:
		return d.renderConfirm(o, v, note)
	case flow.StateSubmitted:
		return Response{Text: lines(note, v.Result)}
	case flow.StateCancelled:
		return Response{Text: lines(note, fmt.Sprintf("Cancelled %s.", titleOf(v)))}
	case flow.StateExpired:
		return Response{Text: lines(note, fmt.Sprintf("The form %s expired.", titleOf(v)))}
	}
	return Response{Text: note}
}

func (d *Dispatcher) renderField(o Origin, v flow.View, note string) Response {
	f := v.Field
	var replaced string
	if v.Replaced != "" {
		replaced = fmt.Sprintf("Your earlier form %q was cancelled.", v.Replaced)
	}

	prompt := f.Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Enter %s.", strings.ToLower(f.Label))
	}
	var current string
	if f.HasDefault {
		if v.Editing {
			current = fmt.Sprintf("Current value: %s", display(f.Default))
		} else {
			current = fmt.Sprintf("Default: %s", display(f.Default))
		}
	}

	resp := Response{Text: lines(
		replaced,
		note,
		fmt.Sprintf("%s (step %d/%d)", titleOf(v), v.Step, v.Total),
		prompt,
		current,
	)}

	var row []Button
	for _, opt := range f.Options {
		row = append(row, d.flowButton(o, v, opChoose, opt, opt))
		if len(row) == optionsPerRow {
			resp.Buttons = append(resp.Buttons, row)
			row = nil
		}
	}
	if len(row) > 0 {
		resp.Buttons = append(resp.Buttons, row)
	}
	if f.HasDefault {
		label := "Keep: " + truncate(display(f.Default))
		resp.Buttons = append(resp.Buttons, []Button{d.flowButton(o, v, opKeep, "", label)})
	}
	resp.Buttons = append(resp.Buttons, d.navRow(o, v))
	return resp
}

func (d *Dispatcher) renderConfirm(o Origin, v flow.View, note string) Response {
	parts := []string{note, fmt.Sprintf("%s: please confirm", titleOf(v))}
	for _, l := range v.Summary {
		parts = append(parts, fmt.Sprintf("%s: %s", l.Label, l.Value))
	}
	resp := Response{Text: lines(parts...)}
	resp.Buttons = append(resp.Buttons, []Button{d.flowButton(o, v, opConfirm, "", "Confirm")})

	var row []Button
	for _, l := range v.Summary {
		row = append(row, d.flowButton(o, v, opEdit, l.Name, "Edit "+l.Label))
		if len(row) == editsPerRow {
			resp.Buttons = append(resp.Buttons, row)
			row = nil
		}
	}
	if len(row) > 0 {
		resp.Buttons = append(resp.Buttons, row)
	}
	resp.Buttons = append(resp.Buttons, d.navRow(o, v))
	return resp
}

func (d *Dispatcher) navRow(o Origin, v flow.View) []Button {
	var row []Button
	if v.CanGoBack {
		row = append(row, d.flowButton(o, v, opBack, "", "Back"))
	}
	return append(row, d.flowButton(o, v, opCancel, "", "Cancel"))
}

// flowButton issues a button bound to v's current step.
func (d *Dispatcher) flowButton(o Origin, v flow.View, kind op, arg, label string) Button {
	a := action{op: kind, flowID: v.ID, step: v.Step, state: v.State}
	if arg != "" {
		a.args = []string{arg}
	}
	return d.userButton(o, a, label)
}

func titleOf(v flow.View) string {
	if v.Title != "" {
		return v.Title
	}
	return v.Kind
}

func display(s string) string {
	if s == "" {
		return "(empty)"
	}
	return s
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxLabelLen {
		return s
	}
	return string(r[:maxLabelLen-1]) + "…"
}
