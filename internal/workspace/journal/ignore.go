package journal

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// loadGitignore reads the top-level .gitignore for root, if any, and
// returns its non-comment, non-blank patterns. Nested .gitignore
// files are not consulted; the common case (build output, vendor
// dirs, node_modules) lives at the repo root.
func loadGitignore(root string) []string {
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err != nil {
		return []string{".git/**"}
	}
	defer f.Close()

	patterns := []string{".git/**"}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// matchesGitignore reports whether relPath (slash-separated, relative
// to the workspace root) matches any of the loaded ignore patterns.
// A trailing-slash-free pattern without a "/" matches at any depth,
// the same way git treats a bare filename pattern.
func matchesGitignore(patterns []string, relPath string) bool {
	for _, p := range patterns {
		pattern := p
		if !strings.Contains(strings.TrimSuffix(pattern, "/"), "/") {
			pattern = "**/" + pattern
		}
		pattern = strings.TrimSuffix(pattern, "/")
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern+"/**", relPath); ok {
			return true
		}
	}
	return false
}
