package dispatch

import "strings"

// heartbeatToken is emitted by agents answering a liveness poll. It carries
// no user-facing content and is stripped wherever it appears.
const heartbeatToken = "HEARTBEAT_OK"

// silentToken marks a reply the agent chose not to send. A payload that is
// a bare silent token (optionally surrounded by punctuation) is discarded.
const silentToken = "NO_REPLY"

// normalize prepares a payload for delivery. Returns ok=false when the
// payload normalizes to nothing deliverable.
func normalize(text, prefix string) (string, bool) {
	out := text
	if strings.Contains(out, heartbeatToken) {
		out = strings.ReplaceAll(out, heartbeatToken, "")
	}
	out = strings.TrimSpace(out)
	if out == "" || isSilentReply(out) {
		return "", false
	}
	if prefix != "" {
		out = prefix + out
	}
	return out, true
}

// isSilentReply reports whether trimmed text is the NO_REPLY token, alone
// or at either edge separated by a non-word character.
func isSilentReply(trimmed string) bool {
	if trimmed == silentToken {
		return true
	}
	if rest, ok := strings.CutPrefix(trimmed, silentToken); ok {
		if rest == "" || !isWordChar(rest[0]) {
			return true
		}
	}
	if before, ok := strings.CutSuffix(trimmed, silentToken); ok {
		if before == "" || !isWordChar(before[len(before)-1]) {
			return true
		}
	}
	return false
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}
