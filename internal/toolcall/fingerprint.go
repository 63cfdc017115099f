package toolcall

import (
	"fmt"
	"strings"
)

// identityFields are the argument keys that identify the target of a
// mutating action, in fingerprint order.
var identityFields = []string{
	"path", "filePath", "oldPath", "newPath", "to", "target",
	"messageId", "sessionKey", "jobId", "id", "model",
}

// Action is one observed mutating tool call, as tracked by a caller that
// needs to detect duplicate pending actions.
type Action struct {
	ToolName    string
	Meta        string
	Fingerprint string
}

// BuildActionFingerprint returns a deterministic identity string for a
// mutating tool call, or "" when the call is not mutating. Identical
// (name, args, meta) inputs always produce the identical string.
func BuildActionFingerprint(name string, args map[string]any, meta string) string {
	if !IsMutatingToolCall(name, args) {
		return ""
	}

	parts := []string{"tool=" + strings.ToLower(strings.TrimSpace(name))}
	if action := normalizeValue(stringArg(args, "action")); action != "" {
		parts = append(parts, "action="+action)
	}
	for _, field := range identityFields {
		if v := normalizeValue(stringArg(args, field)); v != "" {
			parts = append(parts, strings.ToLower(field)+"="+v)
		}
	}
	if m := normalizeValue(meta); m != "" {
		parts = append(parts, "meta="+m)
	}
	return strings.Join(parts, "|")
}

// SameMutationAction compares two actions fail-closed: if either side has
// a fingerprint, both must have one and they must match exactly. Only when
// neither has a fingerprint does it fall back to (toolName, meta)
// equality. Two different mutating actions must never alias just because
// fingerprinting failed on one side.
func SameMutationAction(a, b Action) bool {
	if a.Fingerprint != "" || b.Fingerprint != "" {
		return a.Fingerprint != "" && b.Fingerprint != "" && a.Fingerprint == b.Fingerprint
	}
	return normalizeValue(a.ToolName) == normalizeValue(b.ToolName) &&
		normalizeValue(a.Meta) == normalizeValue(b.Meta)
}

func normalizeValue(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// stringArg renders an argument value for matching. Non-string scalars are
// formatted; absent or composite values yield "".
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool, int, int32, int64, float32, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}
