package wire

const ctcpDelim = '\x01'

// ExtractCTCP returns the payload of the first CTCP span in trailing, if the
// trailing text begins with \x01 and contains a closing \x01. Per the
// one-CTCP-per-body policy,
// any text following the closing delimiter is ignored.
func ExtractCTCP(trailing string) (payload string, ok bool) {
	if len(trailing) < 2 || trailing[0] != ctcpDelim {
		return "", false
	}
	end := -1
	for i := 1; i < len(trailing); i++ {
		if trailing[i] == ctcpDelim {
			end = i
			break
		}
	}
	if end < 0 {
		return "", false
	}
	return trailing[1:end], true
}

// FormatCTCP wraps payload in CTCP delimiters for use as a PRIVMSG/NOTICE
// trailing parameter.
func FormatCTCP(payload string) string {
	return string(ctcpDelim) + payload + string(ctcpDelim)
}
