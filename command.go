package ts3full

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var commandNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

var escaper = strings.NewReplacer(
	`\`, `\\`,
	`/`, `\/`,
	` `, `\s`,
	`|`, `\p`,
	"\a", `\a`,
	"\b", `\b`,
	"\f", `\f`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\v", `\v`,
)

// Escape encodes s for use as a command parameter value.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Unescape decodes a parameter value. Unknown escape sequences are kept
// verbatim without the backslash.
func Unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch != '\\' || i+1 >= len(s) {
			b.WriteByte(ch)
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'p':
			b.WriteByte('|')
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'v':
			b.WriteByte('\v')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// CommandParam is one key=value pair. An empty Value renders as "key=".
type CommandParam struct {
	Key   string
	Value string
}

// NewParam creates a parameter.
func NewParam(key, value string) CommandParam {
	return CommandParam{Key: key, Value: value}
}

// NewIntParam creates a parameter with a decimal integer value.
func NewIntParam(key string, value int64) CommandParam {
	return CommandParam{Key: key, Value: strconv.FormatInt(value, 10)}
}

// Command is an outgoing command string.
type Command struct {
	Name    string
	Params  []CommandParam
	Options []string // rendered as " -option"
}

// BuildCommand creates a command. Names from user input should be checked
// with Validate before sending.
func BuildCommand(name string, params ...CommandParam) *Command {
	return &Command{Name: name, Params: params}
}

// Validate checks the command name.
func (c *Command) Validate() error {
	if !commandNameRe.MatchString(c.Name) {
		return fmt.Errorf("invalid command name %q", c.Name)
	}
	return nil
}

// String renders "name key=value ... -option".
func (c *Command) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(Escape(p.Value))
	}
	for _, o := range c.Options {
		b.WriteString(" -")
		b.WriteString(o)
	}
	return b.String()
}

// Notification is a parsed command line received from the server.
// Entries holds one map per '|' separated group; the name precedes the
// first group.
type Notification struct {
	Name    string
	Entries []map[string]string
}

// Get returns a value of the first entry.
func (n *Notification) Get(key string) (string, bool) {
	if len(n.Entries) == 0 {
		return "", false
	}
	v, ok := n.Entries[0][key]
	return v, ok
}

// ParseNotification splits a command line into its name and parameters.
// Lines starting with a key=value pair have no name; bare keys map to "".
func ParseNotification(line string) *Notification {
	line = strings.TrimRight(line, "\r\n ")
	n := &Notification{}

	groups := strings.Split(line, "|")
	for i, group := range groups {
		entry := make(map[string]string)
		fields := strings.Fields(group)
		if i == 0 && len(fields) > 0 && !strings.Contains(fields[0], "=") {
			n.Name = fields[0]
			fields = fields[1:]
		}
		for _, f := range fields {
			k, v, _ := strings.Cut(f, "=")
			entry[k] = Unescape(v)
		}
		n.Entries = append(n.Entries, entry)
	}
	return n
}
