package permission

import "regexp"

// PermissionRule is one compiled-rule source entry per §4.3: a glob on
// the tool name plus an optional, not-yet-compiled parameter glob (it
// can't be compiled ahead of time because ${workspaceFolder} etc. are
// substituted at match time).
type PermissionRule struct {
	ToolGlob  string
	ParamGlob string
	Decision  PermissionAction
}

// compiledRule is a PermissionRule with its tool-name glob pre-compiled.
type compiledRule struct {
	toolRe    *regexp.Regexp
	paramGlob string
	decision  PermissionAction
}

// RuleSet is the result of compiling an ordered list of PermissionRules,
// bucketed by decision class for the §4.3 deny → ask → allow evaluation
// order.
type RuleSet struct {
	deny  []compiledRule
	ask   []compiledRule
	allow []compiledRule
}

// CompileRules compiles raw rule sources into a RuleSet, preserving
// configured order within each decision class.
func CompileRules(rules []PermissionRule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		cr := compiledRule{
			toolRe:    compileToolGlob(r.ToolGlob),
			paramGlob: r.ParamGlob,
			decision:  r.Decision,
		}
		switch r.Decision {
		case ActionDeny:
			rs.deny = append(rs.deny, cr)
		case ActionAllow:
			rs.allow = append(rs.allow, cr)
		default:
			rs.ask = append(rs.ask, cr)
		}
	}
	return rs
}

// matches reports whether cr applies to toolName given the candidate
// parameter strings and workspace root, per §4.3's match rule.
func (cr compiledRule) matches(toolName string, paramCandidates []string, workspaceRoot string) bool {
	if !cr.toolRe.MatchString(toolName) {
		return false
	}
	if cr.paramGlob == "" {
		return true
	}
	substituted := substituteVars(cr.paramGlob, workspaceRoot)
	re := compileParamGlob(substituted)
	for _, candidate := range paramCandidates {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

// Evaluate decides allow/deny/ask for the (tool name, parameter
// candidates, workspace root) triple per §4.3's deny-class-first,
// ask-class, then allow-class evaluation order, defaulting to ask when
// nothing matches. The second return value reports whether any rule at
// all matched, for telemetry / UI dimming.
func (rs *RuleSet) Evaluate(toolName string, paramCandidates []string, workspaceRoot string) (PermissionAction, bool) {
	if rs == nil {
		return ActionAsk, false
	}
	name := canonicalToolName(toolName)

	matched := false
	for _, cr := range rs.deny {
		if cr.matches(name, paramCandidates, workspaceRoot) {
			return ActionDeny, true
		}
	}
	for _, cr := range rs.ask {
		if cr.matches(name, paramCandidates, workspaceRoot) {
			matched = true
		}
	}
	if matched {
		return ActionAsk, true
	}
	for _, cr := range rs.allow {
		if cr.matches(name, paramCandidates, workspaceRoot) {
			return ActionAllow, true
		}
	}
	return ActionAsk, false
}
