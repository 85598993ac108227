// Package shell implements streaming, cancellable bash and ssh execution
// with sanitized output, bounded in-memory tails, and spill-to-disk for
// large outputs.
package shell

import "regexp"

var ansiRe = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(\x07|\x1b\\)|[@-Z\\-_])`)

// Sanitize strips ANSI escape sequences and binary control bytes from
// subprocess output and normalizes carriage returns to newlines. Tabs and
// newlines survive.
func Sanitize(data []byte) []byte {
	data = ansiRe.ReplaceAll(data, nil)

	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case c == '\r':
			// CRLF collapses to LF; a lone CR becomes LF.
			if i+1 < len(data) && data[i+1] == '\n' {
				continue
			}
			out = append(out, '\n')
		case c == '\n' || c == '\t':
			out = append(out, c)
		case c < 0x20 || c == 0x7f:
			// Drop control bytes.
		default:
			out = append(out, c)
		}
	}
	return out
}
