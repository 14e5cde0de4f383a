package core

import (
	"strings"
	"unicode"
)

// SplitStatements splits a script on top-level semicolons. Semicolons inside
// quotes, identifiers, comments and dollar-quoted bodies are ignored.
// Empty statements are dropped; meta-commands (lines starting with a
// backslash) end at the end of their line.
func SplitStatements(script string) []string {
	var (
		out   []string
		buf   strings.Builder
		runes = []rune(script)
	)

	flush := func() {
		stmt := strings.TrimSpace(buf.String())
		if stmt != "" {
			out = append(out, stmt)
		}
		buf.Reset()
	}

	for i := 0; i < len(runes); i++ {
		c := runes[i]

		switch {
		case c == '\\' && strings.TrimSpace(buf.String()) == "":
			end := i
			for end < len(runes) && runes[end] != '\n' {
				end++
			}
			buf.WriteString(string(runes[i:end]))
			flush()
			i = end
		case c == '\'' || c == '"' || c == '`':
			end := skipQuoted(runes, i, c)
			buf.WriteString(string(runes[i:end]))
			i = end - 1
		case c == '-' && i+1 < len(runes) && runes[i+1] == '-':
			end := i
			for end < len(runes) && runes[end] != '\n' {
				end++
			}
			buf.WriteString(string(runes[i:end]))
			i = end - 1
		case c == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := strings.Index(string(runes[i+2:]), "*/")
			if end < 0 {
				buf.WriteString(string(runes[i:]))
				i = len(runes)
				continue
			}
			stop := i + 2 + len([]rune(string(runes[i+2:])[:end])) + 2
			buf.WriteString(string(runes[i:stop]))
			i = stop - 1
		case c == '$':
			tag, ok := dollarTag(runes, i)
			if !ok {
				buf.WriteRune(c)
				continue
			}
			tl := len([]rune(tag))
			rest := string(runes[i+tl:])
			end := strings.Index(rest, tag)
			if end < 0 {
				buf.WriteString(string(runes[i:]))
				i = len(runes)
				continue
			}
			stop := i + tl + len([]rune(rest[:end])) + tl
			buf.WriteString(string(runes[i:stop]))
			i = stop - 1
		case c == ';':
			flush()
		default:
			buf.WriteRune(c)
		}
	}
	flush()

	return out
}

// skipQuoted returns the index after the closing quote, honouring doubled quotes.
func skipQuoted(runes []rune, start int, quote rune) int {
	for i := start + 1; i < len(runes); i++ {
		if runes[i] != quote {
			continue
		}
		if i+1 < len(runes) && runes[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(runes)
}

// dollarTag reads a postgres dollar quote tag ($$ or $name$) starting at i.
func dollarTag(runes []rune, i int) (string, bool) {
	// positional parameters like $1 are not tags
	if i > 0 && (unicode.IsLetter(runes[i-1]) || unicode.IsDigit(runes[i-1]) || runes[i-1] == '_') {
		return "", false
	}
	for j := i + 1; j < len(runes); j++ {
		r := runes[j]
		if r == '$' {
			return string(runes[i : j+1]), true
		}
		if !(unicode.IsLetter(r) || r == '_' || (j > i+1 && unicode.IsDigit(r))) {
			return "", false
		}
	}
	return "", false
}

// IsMetaCommand reports whether a statement is a client-side meta-command.
func IsMetaCommand(stmt string) bool {
	return strings.HasPrefix(strings.TrimSpace(stmt), `\`)
}

// FirstKeyword returns the lowercased first word of a statement, skipping
// leading comments and parentheses.
func FirstKeyword(stmt string) string {
	s := strings.TrimSpace(stmt)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = strings.TrimSpace(s[i+1:])
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = strings.TrimSpace(s[i+2:])
		case strings.HasPrefix(s, "("):
			s = strings.TrimSpace(s[1:])
		default:
			end := strings.IndexFunc(s, func(r rune) bool {
				return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
			})
			if end < 0 {
				end = len(s)
			}
			return strings.ToLower(s[:end])
		}
	}
}
