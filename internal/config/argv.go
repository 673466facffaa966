package config

import (
	"fmt"
	"strings"
	"unicode"
)

// managedEngineFlags are rendered by the supervisor itself; repeating them in
// engine.extra_args would give the engine two conflicting values.
var managedEngineFlags = []string{
	"--new",
	"--enable-tcp-server",
	"--server-password",
	"--write-server-info",
	"--register-tcp-listener",
	"--tcp-listener-id",
	"--enable-notifications",
	"--shutdown-on-finished",
}

// parseEngineArgs splits engine.extra_args with shell-like quoting. A value that starts
// with '#' is treated as commented out.
func parseEngineArgs(input string) ([]string, error) {
	input = strings.TrimSpace(input)
	if input == "" || strings.HasPrefix(input, "#") {
		return nil, nil
	}

	var lex argLexer
	for _, r := range input {
		lex.feed(r)
	}
	switch {
	case lex.escaped:
		return nil, fmt.Errorf("unterminated escape sequence in engine arguments: %q", input)
	case lex.quote != 0:
		return nil, fmt.Errorf("unterminated quote in engine arguments: %q", input)
	}
	lex.flush()

	for _, arg := range lex.args {
		if flag := managedFlag(arg); flag != "" {
			return nil, fmt.Errorf("%s is managed by oslctl; use the engine settings instead", flag)
		}
	}
	return lex.args, nil
}

// argLexer accumulates one argument at a time. Quotes group, a backslash escapes the
// next rune, and unquoted whitespace separates arguments.
type argLexer struct {
	args    []string
	current strings.Builder
	started bool
	quote   rune
	escaped bool
}

func (l *argLexer) feed(r rune) {
	if l.escaped {
		l.write(r)
		l.escaped = false
		return
	}
	if r == '\\' {
		l.escaped = true
		return
	}
	if l.quote != 0 {
		if r == l.quote {
			l.quote = 0
			return
		}
		l.write(r)
		return
	}
	switch {
	case r == '\'' || r == '"':
		l.quote = r
		l.started = true
	case unicode.IsSpace(r):
		l.flush()
	default:
		l.write(r)
	}
}

func (l *argLexer) write(r rune) {
	l.current.WriteRune(r)
	l.started = true
}

func (l *argLexer) flush() {
	if !l.started {
		return
	}
	l.args = append(l.args, l.current.String())
	l.current.Reset()
	l.started = false
}

func managedFlag(arg string) string {
	name, _, _ := strings.Cut(arg, "=")
	for _, flag := range managedEngineFlags {
		if name == flag {
			return flag
		}
	}
	return ""
}
