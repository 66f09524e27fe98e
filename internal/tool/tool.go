package tool

import "strings"

// Tool is a named agent capability with a fixed credit cost. Availability is
// gated by the tenant's subscription plan.
type Tool string

const (
	WebSearch  Tool = "web_search"
	WebBrowse  Tool = "web_browse"
	CodeExec   Tool = "code_exec"
	FileAccess Tool = "file_access"
	EmailSend  Tool = "email_send"
	BasicChat  Tool = "basic_chat"
)

var credits = map[Tool]int64{
	WebSearch:  2,
	WebBrowse:  5,
	CodeExec:   3,
	FileAccess: 4,
	EmailSend:  5,
	BasicChat:  1,
}

const DefaultPlan = "starter"

var planTools = map[string][]Tool{
	"starter":     {WebSearch, BasicChat},
	"pro":         {WebSearch, WebBrowse, CodeExec, BasicChat},
	"distributor": {WebSearch, WebBrowse, CodeExec, FileAccess, EmailSend, BasicChat},
}

// Cost returns the credit cost of a single tool. Unknown tools are priced as
// basic chat rather than rejected.
func Cost(t Tool) int64 {
	if c, ok := credits[t]; ok {
		return c
	}
	return credits[BasicChat]
}

// CreditsFor prices a set of tools: deduplicated, unknown tools priced as
// basic chat, and never below the basic chat cost.
func CreditsFor(tools []Tool) int64 {
	seen := map[Tool]struct{}{}
	var sum int64
	for _, t := range tools {
		t = Tool(strings.TrimSpace(string(t)))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		sum += Cost(t)
	}
	if sum == 0 {
		return credits[BasicChat]
	}
	return sum
}

// PlanTools returns the allow-list for a plan. Unknown plans fall back to the
// starter plan.
func PlanTools(planID string) []Tool {
	tools, ok := planTools[strings.TrimSpace(strings.ToLower(planID))]
	if !ok {
		tools = planTools[DefaultPlan]
	}
	out := make([]Tool, len(tools))
	copy(out, tools)
	return out
}

// Normalize converts raw stored tool names into the enum, dropping blanks.
// A nil/empty list defaults to web search, matching agent creation defaults.
func Normalize(raw []string) []Tool {
	if len(raw) == 0 {
		return []Tool{WebSearch}
	}
	out := make([]Tool, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, Tool(r))
	}
	if len(out) == 0 {
		return []Tool{WebSearch}
	}
	return out
}

// Intersect keeps the tools of a that the allow-list b permits, preserving
// a's order.
func Intersect(a, b []Tool) []Tool {
	allowed := make(map[Tool]struct{}, len(b))
	for _, t := range b {
		allowed[t] = struct{}{}
	}
	out := make([]Tool, 0, len(a))
	for _, t := range a {
		if _, ok := allowed[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func Names(tools []Tool) []string {
	out := make([]string, 0, len(tools))
	for _, t := range tools {
		out = append(out, string(t))
	}
	return out
}
