// ABOUTME: Renders dispatcher responses as Matrix message content
// ABOUTME: Plain body plus goldmark HTML, with buttons as a numbered menu

package matrix

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/condor/internal/dispatch"
)

// render converts resp into message content. thread, when set, places the
// message in that thread.
func render(resp dispatch.Response, prefix string, thread id.EventID) *event.MessageEventContent {
	buttons := resp.Flat()

	var plain, md strings.Builder
	plain.WriteString(resp.Text)
	for i, line := range strings.Split(resp.Text, "\n") {
		if i > 0 {
			md.WriteString("  \n")
		}
		md.WriteString(escapeMarkdown(line))
	}

	if len(buttons) > 0 {
		plain.WriteString("\n")
		md.WriteString("\n\n")
		for i, b := range buttons {
			fmt.Fprintf(&plain, "\n%d. %s", i+1, b.Label)
			fmt.Fprintf(&md, "%d. %s\n", i+1, escapeMarkdown(b.Label))
		}
		hint := fmt.Sprintf("Reply %s<number> to choose.", prefix)
		plain.WriteString("\n\n" + hint)
		md.WriteString("\n" + escapeMarkdown(hint))
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    plain.String(),
	}
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = strings.TrimSpace(html.String())
	}
	if thread != "" {
		content.RelatesTo = (&event.RelatesTo{}).SetThread(thread, thread)
	}
	return content
}

// escapeMarkdown backslash-escapes ASCII punctuation so text renders
// literally.
func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune("\\`*_{}[]()<>#+-.!|~&\"'=:", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
