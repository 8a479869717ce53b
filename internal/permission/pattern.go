package permission

import (
	"os"
	"regexp"
	"strings"
)

// legacyToolAlias maps a tool-name glob prefix written against an older
// naming scheme onto this engine's current tool identifier, per §4.3.
type legacyToolAlias struct {
	old string
	new string
}

// legacyToolAliases is the fixed alias table named in §4.3/§12. Config
// authors (and the import path from an older permission file) may still
// write rules against these names; resolveToolAlias folds them onto the
// names this engine actually uses.
var legacyToolAliases = []legacyToolAlias{
	{old: "bash", new: "shell"},
	{old: "webfetch", new: "web_fetch"},
	{old: "readfile", new: "read"},
	{old: "writefile", new: "write"},
	{old: "editfile", new: "edit"},
	{old: "listfiles", new: "list"},
}

// resolveToolAlias lower-cases name and, if it (or its "<old>*" prefix)
// matches a legacy alias, rewrites it onto the corresponding current
// name. It is applied symmetrically: once to a rule's configured tool
// glob at compile time, and once to the actual tool name of an
// invocation at evaluation time, so both land in the same namespace
// regardless of which spelling either side happens to use.
func resolveToolAlias(name string) string {
	lower := strings.ToLower(name)
	for _, alias := range legacyToolAliases {
		if lower == alias.old {
			return alias.new
		}
		if strings.HasPrefix(lower, alias.old+"*") {
			return alias.new + lower[len(alias.old):]
		}
	}
	return lower
}

// canonicalToolName resolves the actual name reported by a tool
// invocation through the same alias table used to compile rule globs.
func canonicalToolName(name string) string {
	return resolveToolAlias(name)
}

// compileToolGlob turns a tool-name glob into a regex. Tool names never
// contain '/', so '*' and '**' are equivalent here: both match any run
// of characters.
func compileToolGlob(glob string) *regexp.Regexp {
	resolved := resolveToolAlias(glob)
	var b strings.Builder
	b.WriteString("^")
	for _, r := range resolved {
		switch r {
		case '*':
			b.WriteString(".*")
		case '.', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// substituteVars expands ${workspaceFolder}, ${workspace}, and $HOME in
// a raw parameter glob against the given workspace root, per §4.3/§4.5.
func substituteVars(raw, workspaceRoot string) string {
	s := raw
	s = strings.ReplaceAll(s, "${workspaceFolder}", workspaceRoot)
	s = strings.ReplaceAll(s, "${workspace}", workspaceRoot)
	s = strings.ReplaceAll(s, "$HOME", os.Getenv("HOME"))
	return s
}

// compileParamGlob turns a (variable-substituted) parameter glob into a
// regex honoring the path-aware semantics of §4.3: a trailing "/**"
// matches both the literal prefix and anything beneath it; "*" does not
// cross "/"; "**" always crosses "/".
func compileParamGlob(glob string) *regexp.Regexp {
	if strings.HasSuffix(glob, "/**") {
		prefix := strings.TrimSuffix(glob, "/**")
		prefixPattern := compileParamGlobBody(prefix)
		return regexp.MustCompile("^(?:" + prefixPattern + "(?:/.*)?)$")
	}
	return regexp.MustCompile("^" + compileParamGlobBody(glob) + "$")
}

// compileParamGlobBody renders glob into a regex body (no anchors).
func compileParamGlobBody(glob string) string {
	var b strings.Builder
	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '.', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteString(regexp.QuoteMeta(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
