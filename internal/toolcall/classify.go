// Package toolcall classifies agent tool calls by whether they mutate
// external state, and fingerprints mutating calls so duplicate pending
// actions can be detected across retries.
package toolcall

import (
	"path"
	"strings"
)

// readOnlyCommands holds shell executables considered safe inspection
// commands. A bash/exec call whose leading executable resolves into this
// set is not treated as mutating.
var readOnlyCommands = newSet(
	"ls", "ll", "dir", "tree", "pwd", "file", "stat", "du", "df",
	"cat", "bat", "head", "tail", "less", "more", "tac", "nl",
	"grep", "egrep", "fgrep", "rg", "ag", "ack",
	"find", "fd", "locate", "which", "whereis", "type",
	"wc", "sort", "uniq", "cut", "tr", "column", "fold", "rev",
	"expand", "unexpand", "seq", "strings", "od", "xxd", "hexdump",
	"diff", "cmp", "comm",
	"md5sum", "sha1sum", "sha256sum", "sha512sum", "cksum",
	"basename", "dirname", "realpath", "readlink",
	"whoami", "id", "groups", "uname", "hostname", "uptime",
	"date", "cal", "env", "printenv", "locale",
	"ps", "pgrep", "pstree", "top", "htop", "free", "vmstat",
	"iostat", "lsof", "nproc", "arch", "lscpu", "lsblk", "lsusb",
	"lspci", "lsmod",
	"netstat", "ss", "ip", "ifconfig", "ping", "dig", "nslookup",
	"host", "traceroute", "curl",
	"jq", "yq", "awk",
	"echo", "printf", "true", "false", "test", "sleep",
	"man", "help", "history", "w", "who", "last", "dmesg",
	"journalctl", "getent", "ulimit",
)

// readOnlyActions holds action verbs that never mutate, used for the
// cron/gateway/canvas families and any *_actions tool.
var readOnlyActions = newSet(
	"get", "list", "read", "status", "show", "fetch", "search",
	"query", "view", "poll", "log", "inspect", "check", "probe",
)

// shellPrefixes are wrapper commands skipped when locating the leading
// executable of a shell command line.
var shellPrefixes = newSet("sudo", "nice", "time", "env", "ionice", "strace", "ltrace")

// likelyMutatingNames backs the coarse fallback for tool names outside the
// decision table.
var likelyMutatingNames = newSet(
	"write", "edit", "apply_patch", "create", "delete", "remove",
	"update", "move", "rename", "exec", "bash", "run", "kill",
	"restart", "deploy", "publish", "upload", "install",
	"sessions_send", "sessions_spawn", "browser",
)

// mutatingProcessActions and mutatingMessageActions are the per-family
// action verbs that do mutate.
var mutatingProcessActions = newSet("write", "send_keys", "submit", "paste", "kill")
var mutatingMessageActions = newSet("send", "reply", "thread_reply", "edit", "delete", "react", "pin", "unpin")

func newSet(items ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return s
}

func inSet(s map[string]struct{}, key string) bool {
	_, ok := s[key]
	return ok
}

// IsMutatingToolCall reports whether a tool call with the given name and
// arguments can change external state. Unknown inputs classify as
// mutating: a false negative here is worse than a false positive.
func IsMutatingToolCall(name string, args map[string]any) bool {
	tool := strings.ToLower(strings.TrimSpace(name))
	action := strings.ToLower(strings.TrimSpace(stringArg(args, "action")))

	switch tool {
	case "write", "edit", "apply_patch", "sessions_send":
		return true
	case "exec", "bash":
		return isMutatingShellCommand(stringArg(args, "command"))
	case "process":
		return inSet(mutatingProcessActions, action)
	case "message":
		if inSet(mutatingMessageActions, action) {
			return true
		}
		return stringArg(args, "content") != "" || stringArg(args, "message") != ""
	case "session_status":
		return stringArg(args, "model") != ""
	case "cron", "gateway", "canvas":
		return !inSet(readOnlyActions, action)
	case "nodes":
		return action != "list"
	}
	if strings.HasSuffix(tool, "_actions") {
		return !inSet(readOnlyActions, action)
	}
	return isLikelyMutatingToolName(tool)
}

// isLikelyMutatingToolName is the coarse fallback for names with no entry
// in the decision table.
func isLikelyMutatingToolName(tool string) bool {
	if inSet(likelyMutatingNames, tool) {
		return true
	}
	return strings.HasSuffix(tool, "_actions") ||
		strings.HasPrefix(tool, "message_") ||
		strings.Contains(tool, "send")
}

// isMutatingShellCommand inspects the leading executable of a command
// line. Environment assignments and known wrapper prefixes are skipped
// first. Anything unresolvable classifies as mutating.
func isMutatingShellCommand(command string) bool {
	fields := strings.Fields(command)
	i := 0
	for i < len(fields) {
		tok := fields[i]
		if isEnvAssignment(tok) {
			i++
			continue
		}
		base := strings.ToLower(path.Base(tok))
		if inSet(shellPrefixes, base) {
			i++
			continue
		}
		return !inSet(readOnlyCommands, base)
	}
	return true
}

// isEnvAssignment matches a leading VAR=value shell word.
func isEnvAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq < 1 {
		return false
	}
	for j := 0; j < eq; j++ {
		c := tok[j]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if j == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
