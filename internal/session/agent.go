// Package session provides session processing and the agentic loop.
package session

import "agentcore/internal/permission"

// Agent represents an agent configuration for processing.
type Agent struct {
	// Name is the agent identifier.
	Name string `json:"name"`

	// Prompt is the base system prompt for this agent.
	Prompt string `json:"prompt"`

	// Temperature for LLM sampling.
	Temperature float64 `json:"temperature,omitempty"`

	// TopP for nucleus sampling.
	TopP float64 `json:"topP,omitempty"`

	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps int `json:"maxSteps,omitempty"`

	// Tools is the list of enabled tool IDs.
	Tools []string `json:"tools,omitempty"`

	// DisabledTools is the list of disabled tool IDs.
	DisabledTools []string `json:"disabledTools,omitempty"`

	// Permission contains permission policy for this agent.
	Permission AgentPermission `json:"permission,omitempty"`
}

// AgentPermission defines permission policies for an agent.
type AgentPermission struct {
	// DoomLoop defines how to handle repeated identical tool calls.
	// Values: "allow", "deny", "ask" (default)
	DoomLoop string `json:"doomLoop,omitempty"`

	// Rules is the agent's compiled §4.3 rule source list: a
	// tool-name glob plus an optional parameter glob, bucketed by
	// decision at compile time. Replaces the old flat Bash/Write
	// scalars, which could not express a per-command or per-path
	// policy (e.g. "git status" allowed but "git push*" asked).
	Rules []permission.PermissionRule `json:"rules,omitempty"`
}

// CompiledRules compiles this agent's rule sources into a RuleSet ready
// for permission.Checker.CheckTool.
func (a *Agent) CompiledRules() *permission.RuleSet {
	return permission.CompileRules(a.Permission.Rules)
}

// Filter returns this agent's §4.4 tool capability filter, derived
// from its whitelist (Tools, when non-empty) and blacklist
// (DisabledTools) tool-name sets.
func (a *Agent) Filter() ToolFilter {
	return NewToolFilter(a.Tools, a.DisabledTools)
}

// ToolEnabled returns whether a tool is enabled for this agent.
func (a *Agent) ToolEnabled(toolID string) bool {
	return a.Filter().IsAllowed(toolID)
}

// DefaultAgent returns the default agent configuration.
func DefaultAgent() *Agent {
	return &Agent{
		Name:        "default",
		Temperature: 0.7,
		TopP:        1.0,
		MaxSteps:    50,
		Permission: AgentPermission{
			DoomLoop: "ask",
			Rules: []permission.PermissionRule{
				{ToolGlob: "bash*", Decision: permission.ActionAsk},
				{ToolGlob: "write*", Decision: permission.ActionAsk},
				{ToolGlob: "edit*", Decision: permission.ActionAsk},
			},
		},
	}
}

// CodeAgent returns an agent optimized for coding tasks.
func CodeAgent() *Agent {
	return &Agent{
		Name:        "code",
		Temperature: 0.3,
		TopP:        0.95,
		MaxSteps:    100,
		Prompt: `You are an expert software engineer helping with coding tasks.
Focus on writing clean, maintainable code. Follow best practices and existing conventions in the codebase.
When making changes, prefer minimal modifications and explain your reasoning.`,
		Permission: AgentPermission{
			DoomLoop: "ask",
			Rules: []permission.PermissionRule{
				{ToolGlob: "bash*", ParamGlob: "git status", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "git diff*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "git log*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", Decision: permission.ActionAsk},
				{ToolGlob: "write*", Decision: permission.ActionAllow},
				{ToolGlob: "edit*", Decision: permission.ActionAllow},
			},
		},
	}
}

// PlanAgent returns an agent optimized for planning tasks.
func PlanAgent() *Agent {
	return &Agent{
		Name:        "plan",
		Temperature: 0.5,
		TopP:        1.0,
		MaxSteps:    20,
		Prompt: `You are a helpful assistant focused on planning and analysis.
Break down complex tasks into manageable steps and provide clear explanations.
Focus on understanding the problem before suggesting solutions.`,
		DisabledTools: []string{"write", "edit", "bash"},
		Permission: AgentPermission{
			DoomLoop: "deny",
			Rules: []permission.PermissionRule{
				{ToolGlob: "bash*", ParamGlob: "git status", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "git diff*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "git log*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "grep*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "find*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "ls*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", ParamGlob: "cat*", Decision: permission.ActionAllow},
				{ToolGlob: "bash*", Decision: permission.ActionDeny},
				{ToolGlob: "write*", Decision: permission.ActionDeny},
				{ToolGlob: "edit*", Decision: permission.ActionDeny},
			},
		},
	}
}
