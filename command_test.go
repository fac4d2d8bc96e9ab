package ts3full

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEscape verifies the protocol escape table in both directions.
func TestEscape(t *testing.T) {
	tests := []struct {
		plain   string
		escaped string
	}{
		{"", ""},
		{"plain", "plain"},
		{"two words", `two\swords`},
		{"a|b", `a\pb`},
		{"path/to", `path\/to`},
		{`back\slash`, `back\\slash`},
		{"tab\tnew\nline\r", `tab\tnew\nline\r`},
		{"\a\b\f\v", `\a\b\f\v`},
		{`\s`, `\\s`},
	}
	for _, tt := range tests {
		t.Run(tt.escaped, func(t *testing.T) {
			assert.Equal(t, tt.escaped, Escape(tt.plain))
			assert.Equal(t, tt.plain, Unescape(tt.escaped))
		})
	}

	assert.Equal(t, "xq", Unescape(`x\q`), "unknown escapes lose the backslash")
	assert.Equal(t, `end\`, Unescape(`end\`), "trailing backslash is kept")
}

// TestCommandString verifies rendering of names, parameters and options.
func TestCommandString(t *testing.T) {
	cmd := BuildCommand("clientupdate",
		NewParam("client_nickname", "New Name"),
		NewIntParam("client_input_muted", 1),
		NewParam("client_description", ""),
	)
	cmd.Options = []string{"continueonerror"}

	assert.Equal(t,
		`clientupdate client_nickname=New\sName client_input_muted=1 client_description= -continueonerror`,
		cmd.String())
	assert.NoError(t, cmd.Validate())

	for _, bad := range []string{"", "Client", "two words", "semi;colon"} {
		assert.Error(t, BuildCommand(bad).Validate(), bad)
	}
}

// TestParseNotification verifies parsing of server lines.
func TestParseNotification(t *testing.T) {
	n := ParseNotification("notifycliententerview cfid=0 ctid=1 clid=5 client_nickname=Some\\sUser|clid=6 client_nickname=Other\r\n")
	require.Equal(t, "notifycliententerview", n.Name)
	require.Len(t, n.Entries, 2)
	assert.Equal(t, "Some User", n.Entries[0]["client_nickname"])
	assert.Equal(t, "6", n.Entries[1]["clid"])

	v, ok := n.Get("ctid")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = n.Get("missing")
	assert.False(t, ok)

	n = ParseNotification("error id=0 msg=ok")
	assert.Equal(t, "error", n.Name)
	msg, _ := n.Get("msg")
	assert.Equal(t, "ok", msg)

	n = ParseNotification("clid=1 cid=2 -flag")
	assert.Empty(t, n.Name, "a line starting with a pair has no name")
	flag, ok := n.Get("-flag")
	assert.True(t, ok)
	assert.Empty(t, flag)

	n = ParseNotification("")
	assert.Empty(t, n.Name)
	_, ok = n.Get("x")
	assert.False(t, ok)
}
