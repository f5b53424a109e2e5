package telegram

import (
	"strings"

	"github.com/agentgw/agentgw/internal/channels"
)

// Keepalive callback data format: "keepalive:<run_id>:keep" or
// "keepalive:<run_id>:stop".
const keepalivePrefix = "keepalive:"

// KeepaliveButtons builds the inline keyboard for an idle-watchdog prompt.
func KeepaliveButtons(runID string) [][]channels.Button {
	return [][]channels.Button{{
		{Text: "Keep Waiting", Data: KeepaliveData(runID, true)},
		{Text: "Stop Run", Data: KeepaliveData(runID, false)},
	}}
}

// KeepaliveData encodes the callback payload for one answer.
func KeepaliveData(runID string, keep bool) string {
	verdict := "stop"
	if keep {
		verdict = "keep"
	}
	return keepalivePrefix + runID + ":" + verdict
}

// ParseKeepalive decodes a callback payload. ok is false for unrelated data.
func ParseKeepalive(data string) (runID string, keep bool, ok bool) {
	if !strings.HasPrefix(data, keepalivePrefix) {
		return "", false, false
	}
	rest := data[len(keepalivePrefix):]
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", false, false
	}
	runID = rest[:idx]
	switch rest[idx+1:] {
	case "keep":
		return runID, true, true
	case "stop":
		return runID, false, true
	default:
		return "", false, false
	}
}
