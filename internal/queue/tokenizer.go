package queue

import (
	"errors"
	"strings"
)

var errUnterminatedEscape = errors.New("line ends inside an escape sequence")

// tokenize splits a queue line into whitespace separated tokens. A token
// wrapped in double quotes may contain spaces and the escapes \" \\ \n \r \t;
// any other escaped character is kept without its backslash. A missing
// closing quote at the end of the line is accepted.
func tokenize(line string) ([]string, error) {
	var tokens []string
	i := 0

	for {
		for i < len(line) && isSpace(line[i]) {
			i++
		}
		if i >= len(line) {
			return tokens, nil
		}

		if line[i] != '"' {
			start := i
			for i < len(line) && !isSpace(line[i]) {
				i++
			}
			tokens = append(tokens, line[start:i])
			continue
		}

		// quoted token
		i++
		var b strings.Builder
		for i < len(line) && line[i] != '"' {
			c := line[i]
			if c != '\\' {
				b.WriteByte(c)
				i++
				continue
			}

			i++
			if i >= len(line) {
				return nil, errUnterminatedEscape
			}
			switch line[i] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(line[i])
			}
			i++
		}
		// skip the closing quote if there is one
		if i < len(line) {
			i++
		}
		tokens = append(tokens, b.String())
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t'
}

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// quote is the inverse of the quoted-token rule in tokenize.
func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}
