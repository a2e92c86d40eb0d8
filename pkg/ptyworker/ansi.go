package ptyworker

import "strings"

// StripANSI is the pure function implementing the "ANSI
// stripping contract": a CSI cursor-forward `ESC [ n C` becomes n spaces;
// all other CSI and OSC sequences are discarded; other ESC-introducers
// consume the next one or two bytes. Idempotent under double application.
//
// Ported from the byte-state-machine in original_source/src/helpers.rs,
// expressed as an explicit state machine rather than translated line for
// line.
func StripANSI(input string) string {
	var out strings.Builder
	out.Grow(len(input))

	b := []byte(input)
	i := 0
	for i < len(b) {
		c := b[i]
		if c != 0x1b { // ESC
			out.WriteByte(c)
			i++
			continue
		}
		i++
		if i >= len(b) {
			break
		}
		switch b[i] {
		case '[': // CSI
			i++
			start := i
			for i < len(b) && isCSIParamByte(b[i]) {
				i++
			}
			params := string(b[start:i])
			if i >= len(b) {
				break
			}
			final := b[i]
			i++
			if final == 'C' {
				n := parsePositiveInt(params, 1)
				for k := 0; k < n; k++ {
					out.WriteByte(' ')
				}
			}
			// All other CSI finals are discarded.
		case ']': // OSC — terminated by BEL or ST (ESC \)
			i++
			for i < len(b) {
				if b[i] == 0x07 { // BEL
					i++
					break
				}
				if b[i] == 0x1b && i+1 < len(b) && b[i+1] == '\\' {
					i += 2
					break
				}
				i++
			}
		default:
			// Other ESC-introducers consume one or two bytes.
			i++
			if i < len(b) && (b[i-1] == '(' || b[i-1] == ')') {
				i++
			}
		}
	}
	return out.String()
}

// isCSIParamByte accepts CSI parameter bytes (0x30-0x3F, including the
// private markers ? > < =) and intermediate bytes (0x20-0x2F).
func isCSIParamByte(c byte) bool {
	return c >= 0x20 && c <= 0x3F
}

func parsePositiveInt(s string, def int) int {
	if s == "" {
		return def
	}
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if n == 0 {
		return def
	}
	return n
}
