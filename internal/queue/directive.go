package queue

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ParseDirective extracts an inline "/queue" directive from message text.
//
// Grammar: "/queue[:args]" followed by whitespace-separated tokens —
//
//	default|reset|clear          revert to config, stop parsing
//	debounce:<dur> debounce=<dur> duration override (bare number = ms)
//	cap:<n>                      positive integer queue cap
//	drop:<old|new|summarize>     drop policy (aliases oldest/newest/summary)
//	<mode>                       bare mode token, see ParseMode aliases
//
// Parsing stops at the first unrecognized token; everything from there on is
// treated as the message body. Malformed values are silently ignored and
// fall through to the next config precedence level. Returns nil overrides
// when the text carries no directive.
func ParseDirective(text string) (*Overrides, string) {
	trimmed := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(trimmed, "/queue") {
		return nil, text
	}
	rest := trimmed[len("/queue"):]

	// "/queuex" is some other command, not ours.
	if rest != "" && rest[0] != ':' && !unicode.IsSpace(rune(rest[0])) {
		return nil, text
	}
	rest = strings.TrimPrefix(rest, ":")

	o := &Overrides{}
	seen := false

	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		if rest == "" {
			break
		}
		token := rest
		if idx := strings.IndexFunc(rest, unicode.IsSpace); idx >= 0 {
			token = rest[:idx]
		}

		if !applyDirectiveToken(o, strings.ToLower(token)) {
			break
		}
		seen = true
		rest = rest[len(token):]

		if o.Reset {
			// "default" stops parsing; the remainder is message body.
			break
		}
	}

	if !seen {
		// A lone "/queue" with nothing recognized is still a directive
		// marker; report empty overrides so the caller can ack it.
		return o, strings.TrimLeftFunc(rest, unicode.IsSpace)
	}
	return o, strings.TrimLeftFunc(rest, unicode.IsSpace)
}

// applyDirectiveToken mutates o for one token. Returns false when the token
// is unrecognized (which terminates directive parsing).
func applyDirectiveToken(o *Overrides, token string) bool {
	switch token {
	case "default", "reset", "clear":
		*o = Overrides{Reset: true}
		return true
	}

	if val, ok := cutAny(token, "debounce:", "debounce="); ok {
		if d, ok := parseDebounce(val); ok {
			o.Debounce = &d
		}
		return true // malformed value: ignored, but the token was ours
	}
	if val, ok := strings.CutPrefix(token, "cap:"); ok {
		if n, err := strconv.Atoi(val); err == nil && n >= 1 {
			o.Cap = &n
		}
		return true
	}
	if val, ok := strings.CutPrefix(token, "drop:"); ok {
		if p, ok := ParseDropPolicy(val); ok {
			o.DropPolicy = &p
		}
		return true
	}
	if m, ok := ParseMode(token); ok {
		o.Mode = &m
		return true
	}
	return false
}

func cutAny(s string, prefixes ...string) (string, bool) {
	for _, p := range prefixes {
		if v, ok := strings.CutPrefix(s, p); ok {
			return v, true
		}
	}
	return "", false
}

// parseDebounce parses a duration token. Bare numbers are milliseconds;
// otherwise Go duration syntax ("2s", "500ms") applies.
func parseDebounce(val string) (time.Duration, bool) {
	if val == "" {
		return 0, false
	}
	if ms, err := strconv.Atoi(val); err == nil {
		if ms < 0 {
			return 0, false
		}
		return time.Duration(ms) * time.Millisecond, true
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
