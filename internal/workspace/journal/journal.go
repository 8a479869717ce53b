// Package journal implements the workspace change journal (§4.9): a
// single-actor component that watches a workspace's filesystem,
// suppresses the agent's own writes for a short window, and surfaces a
// compact list of externally-made changes to the next turn.
package journal

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// PendingQueueCapacity bounds each workspace's pending-change
	// queue; overflow drops the oldest entry.
	PendingQueueCapacity = 256

	// SnapshotCacheCapacity bounds the per-workspace LRU of read
	// snapshots.
	SnapshotCacheCapacity = 256

	// SnapshotMaxBytes is the largest file content the journal will
	// snapshot or diff against.
	SnapshotMaxBytes = 256 * 1024

	// SuppressionWindow is how long a path stays suppressed after
	// begin_agent_write.
	SuppressionWindow = 5 * time.Second

	// MaxPatchLines and MaxPatchChars bound a patch the journal is
	// willing to attach; anything larger is reported as a large
	// change instead.
	MaxPatchLines = 10
	MaxPatchChars = 2000

	largeChangeNote = "Large change detected; re-read before editing."
)

// ChangeKind enumerates the kinds of filesystem change the journal
// tracks.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// PendingChange is the exported shape of §6.5.
type PendingChange struct {
	RelativePath string
	Kind         ChangeKind
	ObservedAtMs int64
	Patch        string
	HasPatch     bool
	LargeChange  bool
	Note         string
}

// FSEvent is the normalized filesystem-change input the journal's
// actor consumes, produced by a watcher (e.g. fsnotify) upstream of
// this package.
type FSEvent struct {
	Workspace string
	AbsPath   string
	Kind      ChangeKind
	// Exists reports whether the path still exists on disk at the
	// time the event was observed (false for deletes).
	Exists bool
}

// snapshotEntry is one LRU node: the content of a file as last
// observed by an agent read.
type snapshotEntry struct {
	path    string
	content []byte
}

// workspaceState is the per-workspace data the actor owns: the
// pending queue, the write-suppression map, and the read-snapshot
// LRU. None of this is touched by more than one goroutine — every
// mutation happens on the actor goroutine.
type workspaceState struct {
	root        string
	pending     []PendingChange
	suppressed  map[string]time.Time
	snapOrder   []string // LRU order, most-recently-used last
	snapshots   map[string]snapshotEntry
	ignoreRules []string
}

func newWorkspaceState(root string) *workspaceState {
	ws := &workspaceState{
		root:       root,
		suppressed: make(map[string]time.Time),
		snapshots:  make(map[string]snapshotEntry),
	}
	ws.ignoreRules = loadGitignore(root)
	return ws
}

// touchSnapshot records content for path, evicting the least
// recently used entry if the cache is at capacity. Content beyond
// SnapshotMaxBytes is not stored — the journal has nothing useful to
// diff against past that size anyway, and §4.9's patch budget already
// falls back to large_change in that case.
func (ws *workspaceState) touchSnapshot(path string, content []byte) {
	if len(content) > SnapshotMaxBytes {
		delete(ws.snapshots, path)
		ws.removeFromOrder(path)
		return
	}

	if _, ok := ws.snapshots[path]; ok {
		ws.removeFromOrder(path)
	} else if len(ws.snapshots) >= SnapshotCacheCapacity {
		oldest := ws.snapOrder[0]
		ws.snapOrder = ws.snapOrder[1:]
		delete(ws.snapshots, oldest)
	}

	ws.snapshots[path] = snapshotEntry{path: path, content: content}
	ws.snapOrder = append(ws.snapOrder, path)
}

func (ws *workspaceState) removeFromOrder(path string) {
	for i, p := range ws.snapOrder {
		if p == path {
			ws.snapOrder = append(ws.snapOrder[:i], ws.snapOrder[i+1:]...)
			return
		}
	}
}

func (ws *workspaceState) pushPending(c PendingChange) {
	ws.pending = append(ws.pending, c)
	if len(ws.pending) > PendingQueueCapacity {
		ws.pending = ws.pending[len(ws.pending)-PendingQueueCapacity:]
	}
}

func (ws *workspaceState) isSuppressed(path string, now time.Time) bool {
	exp, ok := ws.suppressed[path]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(ws.suppressed, path)
		return false
	}
	return true
}

func (ws *workspaceState) isIgnored(relPath string) bool {
	return matchesGitignore(ws.ignoreRules, relPath)
}

// Journal is the single actor owning every workspace's change state.
// All mutation happens on one goroutine reading off inbox; callers
// block on their own command's completion, but never interleave with
// each other or with filesystem-event delivery mid-update (§5).
type Journal struct {
	inbox chan func()

	mu         sync.Mutex // not locked anywhere; workspaces is only touched on the actor goroutine
	workspaces map[string]*workspaceState
}

// New starts the journal's actor goroutine.
func New() *Journal {
	j := &Journal{
		inbox:      make(chan func(), 2048),
		workspaces: make(map[string]*workspaceState),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	for fn := range j.inbox {
		fn()
	}
}

// do submits a closure to the actor and blocks until it has run,
// giving callers synchronous semantics over the single-threaded
// state.
func (j *Journal) do(fn func()) {
	done := make(chan struct{})
	j.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

func (j *Journal) stateFor(workspace string) *workspaceState {
	key := Canonicalize(workspace)
	ws, ok := j.workspaces[key]
	if !ok {
		ws = newWorkspaceState(key)
		j.workspaces[key] = ws
	}
	return ws
}

// BeginAgentWrite marks absPath suppressed for SuppressionWindow: a
// filesystem event observed on this path before the window elapses is
// assumed to be the agent's own write and is dropped rather than
// reported back to the agent as an external change.
func (j *Journal) BeginAgentWrite(workspace, absPath string) {
	j.do(func() {
		ws := j.stateFor(workspace)
		ws.suppressed[filepath.Clean(absPath)] = time.Now().Add(SuppressionWindow)
	})
}

// UpdateSnapshot records the content of absPath as of an agent read,
// used later to compute a bounded diff against an external edit.
func (j *Journal) UpdateSnapshot(workspace, absPath string, content []byte) {
	j.do(func() {
		ws := j.stateFor(workspace)
		ws.touchSnapshot(filepath.Clean(absPath), content)
	})
}

// TakePending drains and returns the pending-change queue for a
// workspace.
func (j *Journal) TakePending(workspace string) []PendingChange {
	var out []PendingChange
	j.do(func() {
		ws := j.stateFor(workspace)
		out = ws.pending
		ws.pending = nil
	})
	return out
}

// fileReader abstracts reading the current content of a changed file;
// production callers pass os.ReadFile, tests pass a fake.
type fileReader func(path string) ([]byte, error)

// HandleFSEvent processes one filesystem-change notification: it
// normalizes the path, discards ignored or suppressed paths, computes
// a bounded patch when possible, and enqueues the surviving change.
func (j *Journal) HandleFSEvent(ev FSEvent, read fileReader) {
	j.do(func() {
		ws := j.stateFor(ev.Workspace)
		absPath := filepath.Clean(ev.AbsPath)
		rel, err := filepath.Rel(ws.root, absPath)
		if err != nil {
			rel = absPath
		}
		rel = filepath.ToSlash(rel)

		if ws.isIgnored(rel) {
			return
		}

		now := time.Now()
		if ws.isSuppressed(absPath, now) {
			return
		}

		change := PendingChange{
			RelativePath: rel,
			Kind:         ev.Kind,
			ObservedAtMs: now.UnixMilli(),
		}

		if ev.Kind == ChangeModified {
			if patch, ok := ws.computePatch(absPath, ev.Exists, read); ok {
				change.Patch = patch
				change.HasPatch = true
			} else {
				change.LargeChange = true
				change.Note = largeChangeNote
			}
		}

		ws.pushPending(change)
	})
}

// computePatch implements §4.9's patch-eligibility rule: a snapshot
// must exist, the file must still exist and be within the size
// budget, and the resulting patch must stay within the line/char
// budget. Any failure there means "report as large_change" rather
// than attempting a partial patch.
func (ws *workspaceState) computePatch(absPath string, exists bool, read fileReader) (string, bool) {
	if !exists {
		return "", false
	}
	snap, ok := ws.snapshots[absPath]
	if !ok {
		return "", false
	}
	content, err := read(absPath)
	if err != nil {
		log.Warn().Err(err).Str("path", absPath).Msg("workspace journal: read for diff failed")
		return "", false
	}
	if len(content) > SnapshotMaxBytes {
		return "", false
	}

	patch, changedLines := unifiedDiff(string(snap.content), string(content))
	if changedLines > MaxPatchLines || len(patch) > MaxPatchChars {
		return "", false
	}

	ws.touchSnapshot(absPath, content)
	return patch, true
}

// unifiedDiff returns a compact line-level unified diff between
// before and after, plus the number of changed (inserted or deleted)
// lines, used to enforce the patch budget.
func unifiedDiff(before, after string) (string, int) {
	if before == after {
		return "", 0
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var changed int
	var out strings.Builder
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
			changed += len(lines)
		case diffmatchpatch.DiffDelete:
			prefix = "-"
			changed += len(lines)
		}
		for _, line := range lines {
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String(), changed
}
