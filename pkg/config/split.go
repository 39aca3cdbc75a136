package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields splits a query into fields like strings.Fields, but
// keeps spaces inside single or double quotes. Inside quotes a backslash
// escapes the next character. Quotes may start or end in the middle of a
// field and an empty quoted string is an empty field.
func SplitQuotedFields(in string) []string {
	var (
		fields  []string
		buf     strings.Builder
		inField bool
		quote   rune
		escaped bool
	)
	for _, ch := range in {
		switch {
		case escaped:
			buf.WriteRune(ch)
			escaped = false
		case quote != 0 && ch == '\\':
			escaped = true
		case quote != 0 && ch == quote:
			quote = 0
		case quote != 0:
			buf.WriteRune(ch)
		case ch == '\'' || ch == '"':
			quote = ch
			inField = true
		case unicode.IsSpace(ch):
			if inField {
				fields = append(fields, buf.String())
				buf.Reset()
				inField = false
			}
		default:
			buf.WriteRune(ch)
			inField = true
		}
	}
	if inField {
		fields = append(fields, buf.String())
	}
	return fields
}
