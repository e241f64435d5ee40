package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"

	"github.com/2389/condor/internal/dispatch"
)

func TestRender_PlainAndHTML(t *testing.T) {
	resp := dispatch.Response{
		Text: "Add server: please confirm\nPassword: ********\nUsage: use <server>",
		Buttons: [][]dispatch.Button{
			{{Label: "Confirm", Token: "a"}},
			{{Label: "Edit Host", Token: "b"}, {Label: "Cancel", Token: "c"}},
		},
	}
	c := render(resp, "!", "")

	assert.Equal(t, event.MsgText, c.MsgType)
	assert.Equal(t, "Add server: please confirm\nPassword: ********\nUsage: use <server>\n\n1. Confirm\n2. Edit Host\n3. Cancel\n\nReply !<number> to choose.", c.Body)

	assert.Equal(t, event.FormatHTML, c.Format)
	assert.Contains(t, c.FormattedBody, "Password: ********")
	assert.Contains(t, c.FormattedBody, "use &lt;server&gt;")
	assert.Contains(t, c.FormattedBody, "<ol>")
	assert.Contains(t, c.FormattedBody, "<li>Edit Host</li>")
	assert.NotContains(t, c.FormattedBody, "<hr")
	assert.NotContains(t, c.FormattedBody, "<em>")
	assert.Nil(t, c.RelatesTo)
}

func TestRender_NoButtons(t *testing.T) {
	c := render(dispatch.Response{Text: "Server main deleted."}, "!", "$thread")
	assert.Equal(t, "Server main deleted.", c.Body)
	assert.NotContains(t, c.FormattedBody, "Reply")
	assert.Equal(t, "$thread", c.RelatesTo.GetThreadParent().String())
}

func TestEscapeMarkdown(t *testing.T) {
	assert.Equal(t, `\*\*x\*\* \<b\> 1\. a\_b`, escapeMarkdown("**x** <b> 1. a_b"))
	assert.Equal(t, "plain words", escapeMarkdown("plain words"))
}
