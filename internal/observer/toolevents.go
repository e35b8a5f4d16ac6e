package observer

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/roelfdiedericks/codemem/internal/store"
)

// lowSignalTools are dropped before the Observer ever sees them: UI
// plumbing and meta-tools whose output never yields a durable memory.
var lowSignalTools = map[string]bool{
	"tui": true, "shell": true, "cmd": true, "task": true,
	"slashcommand": true, "skill": true, "todowrite": true,
	"askuserquestion": true,
}

// memoryToolPrefix guards against feedback loops: tool calls that hit
// codemem's own retrieval surface must not be re-ingested as evidence
// of work.
const memoryToolPrefix = "codemem"

// output compaction caps, keyed by tool family. Read-heavy tools get
// tighter caps since their raw output is mostly re-derivable.
const (
	defaultOutputCap = 2000
	readOutputCap    = 600
	maxOutputLines   = 40
)

// ExtractToolEvents pulls ToolEvents out of tool.execute.after raw
// events, dropping low-signal tools and codemem's own retrieval tools,
// and compacting each surviving output.
func ExtractToolEvents(events []store.RawEvent) []ToolEvent {
	var out []ToolEvent
	for _, e := range events {
		if e.EventType != "tool.execute.after" {
			continue
		}
		tool, _ := e.Payload["tool"].(string)
		if tool == "" {
			continue
		}
		lower := strings.ToLower(tool)
		if lowSignalTools[lower] || strings.HasPrefix(lower, memoryToolPrefix) {
			continue
		}

		te := ToolEvent{
			Tool:  tool,
			Input: canonicalJSON(e.Payload["input"]),
		}
		if s, ok := e.Payload["output"].(string); ok {
			te.Output = compactOutput(lower, s)
		}
		if s, ok := e.Payload["error"].(string); ok {
			te.Error = compactOutput(lower, s)
		}
		out = append(out, te)
	}
	return out
}

// canonicalJSON marshals a tool-input value with sorted keys so the
// dedup signature is stable across payload orderings.
func canonicalJSON(v any) string {
	if v == nil {
		return ""
	}
	if m, ok := v.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			vb, _ := json.Marshal(m[k])
			sb.Write(kb)
			sb.WriteByte(':')
			sb.Write(vb)
		}
		sb.WriteByte('}')
		return sb.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func compactOutput(tool, s string) string {
	limit := defaultOutputCap
	if tool == "read" || tool == "grep" || tool == "glob" {
		limit = readOutputCap
	}
	lines := strings.Split(s, "\n")
	if len(lines) > maxOutputLines {
		lines = lines[:maxOutputLines]
		s = strings.Join(lines, "\n") + "\n…"
	}
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}

// signature is the stable dedup key: tool, canonical input, and the
// head of the output/error. Repeated "bash: git status" / "git diff"
// calls collapse to one event apiece regardless of output drift.
func signature(te ToolEvent) string {
	if strings.HasPrefix(strings.ToLower(te.Tool), "bash") {
		trimmed := strings.TrimSpace(te.Input)
		if strings.Contains(trimmed, "git status") {
			return "bash:git-status"
		}
		if strings.Contains(trimmed, "git diff") {
			return "bash:git-diff"
		}
	}
	head := te.Output
	if head == "" {
		head = te.Error
	}
	if len(head) > 200 {
		head = head[:200]
	}
	return te.Tool + "\x00" + te.Input + "\x00" + head
}

// DedupToolEvents keeps the first occurrence of each signature, in order.
func DedupToolEvents(events []ToolEvent) []ToolEvent {
	seen := map[string]bool{}
	out := events[:0:0]
	for _, te := range events {
		sig := signature(te)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, te)
	}
	return out
}

// toolImportance ranks events for budgeting: errors dominate, then
// mutations, then shell activity, then reads.
func toolImportance(te ToolEvent) int {
	if te.Error != "" {
		return 0
	}
	switch strings.ToLower(te.Tool) {
	case "edit", "write", "multiedit":
		return 1
	case "bash", "exec":
		return 2
	case "read", "grep", "glob":
		return 3
	}
	return 4
}

// BudgetToolEvents keeps the most important events until either
// maxTotalChars or maxEvents is hit, preserving original order among
// the survivors.
func BudgetToolEvents(events []ToolEvent, maxTotalChars, maxEvents int) []ToolEvent {
	if maxEvents <= 0 {
		maxEvents = 50
	}
	if maxTotalChars <= 0 {
		maxTotalChars = 24000
	}

	type ranked struct {
		te  ToolEvent
		idx int
	}
	byRank := make([]ranked, len(events))
	for i, te := range events {
		byRank[i] = ranked{te, i}
	}
	sort.SliceStable(byRank, func(i, j int) bool {
		return toolImportance(byRank[i].te) < toolImportance(byRank[j].te)
	})

	kept := map[int]bool{}
	total := 0
	for _, r := range byRank {
		if len(kept) >= maxEvents {
			break
		}
		size := len(r.te.Input) + len(r.te.Output) + len(r.te.Error)
		if total+size > maxTotalChars && len(kept) > 0 {
			continue
		}
		kept[r.idx] = true
		total += size
	}

	out := make([]ToolEvent, 0, len(kept))
	for i, te := range events {
		if kept[i] {
			out = append(out, te)
		}
	}
	return out
}
