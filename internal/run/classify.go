package run

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/agentgw/agentgw/pkg/protocol"
)

// resultDisplayLimit caps the tool-result text shown in action frames. The
// full text is preserved in the action detail.
const resultDisplayLimit = 500

// previewLimit caps action titles.
const previewLimit = 60

// classifyTool maps an engine tool name to an action kind.
func classifyTool(name string) string {
	switch name {
	case "Bash":
		return protocol.ActionCommand
	case "Write", "Edit":
		return protocol.ActionFileChange
	case "WebSearch", "WebFetch":
		return protocol.ActionWebSearch
	case "Task":
		return protocol.ActionSubagent
	default:
		// Read, Glob, Grep and anything unknown.
		return protocol.ActionTool
	}
}

// previewTool builds a short human title for a tool invocation.
func previewTool(name string, args map[string]any) string {
	switch name {
	case "Bash":
		cmd := argString(args, "command")
		if idx := strings.IndexByte(cmd, '\n'); idx >= 0 {
			cmd = cmd[:idx]
		}
		return "$ " + truncate(cmd, previewLimit)
	case "Read":
		return "Read " + filepath.Base(argString(args, "file_path"))
	case "Write":
		return "Write " + filepath.Base(argString(args, "file_path"))
	case "Edit":
		return "Edit " + filepath.Base(argString(args, "file_path"))
	case "Glob":
		return "Glob " + truncate(argString(args, "pattern"), previewLimit)
	case "Grep":
		return "Grep " + truncate(argString(args, "pattern"), previewLimit)
	case "WebSearch":
		return "Search " + truncate(argString(args, "query"), previewLimit)
	case "WebFetch":
		return "Fetch " + truncate(argString(args, "url"), previewLimit)
	case "Task":
		return "Subagent " + truncate(argString(args, "description"), previewLimit)
	default:
		return truncate(name, previewLimit)
	}
}

// flattenResult renders a structured tool result to plain text. Block lists
// (text/image blocks) are joined by newline.
func flattenResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := flattenResult(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		if t, ok := v["text"].(string); ok {
			return t
		}
		if bt, ok := v["type"].(string); ok && bt == "image" {
			return "[image]"
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to at most max bytes, backing up so a multibyte rune is
// never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
