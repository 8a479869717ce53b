package journal

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Canonicalize resolves symlinks in path to produce a stable
// workspace key, falling back to the cleaned raw path when the
// filesystem lookup fails (e.g. the path doesn't exist yet). This
// mirrors §4.6's "canonicalise, fall back to raw path" handling of
// equivalent-but-non-identical workspace paths.
func Canonicalize(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return filepath.Clean(resolved)
	}
	return filepath.Clean(path)
}

// Watch starts an fsnotify watcher over root's directory tree and
// forwards every observed change into j via HandleFSEvent, reading
// the changed file's current content with os.ReadFile. It returns a
// stop function; the caller owns the watcher's lifetime.
func (j *Journal) Watch(workspace, root string) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := addRecursive(w, root); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				j.dispatch(w, workspace, ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Str("workspace", workspace).Msg("workspace journal: watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}

func (j *Journal) dispatch(w *fsnotify.Watcher, workspace string, ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)
	exists := statErr == nil

	if exists && info.IsDir() {
		if ev.Op&fsnotify.Create != 0 {
			_ = addRecursive(w, ev.Name)
		}
		return
	}

	var kind ChangeKind
	switch {
	case ev.Op&fsnotify.Create != 0:
		kind = ChangeCreated
	case ev.Op&fsnotify.Remove != 0:
		kind = ChangeDeleted
	case ev.Op&fsnotify.Rename != 0:
		kind = ChangeRenamed
	case ev.Op&fsnotify.Write != 0:
		kind = ChangeModified
	default:
		return
	}

	j.HandleFSEvent(FSEvent{
		Workspace: workspace,
		AbsPath:   ev.Name,
		Kind:      kind,
		Exists:    exists,
	}, os.ReadFile)
}

func addRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort: a transient stat failure shouldn't abort the whole walk
		}
		if info.IsDir() {
			if info.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return w.Add(path)
		}
		return nil
	})
}
