package journal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeReader(content string) fileReader {
	return func(string) ([]byte, error) { return []byte(content), nil }
}

// Testable property 9: suppression window.
func TestBeginAgentWriteSuppressesWithinWindow(t *testing.T) {
	j := New()
	ws := "/ws"
	path := "/ws/a.txt"

	j.BeginAgentWrite(ws, path)
	j.UpdateSnapshot(ws, path, []byte("line1\n"))
	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: path, Kind: ChangeModified, Exists: true}, fakeReader("line1\nline2\n"))

	pending := j.TakePending(ws)
	assert.Empty(t, pending, "a write observed inside the suppression window must not surface")
}

func TestSuppressionExpiresAfterWindow(t *testing.T) {
	j := New()
	ws := "/ws"
	path := "/ws/a.txt"

	// Directly manipulate the suppression expiry into the past to
	// avoid sleeping SuppressionWindow in the test.
	j.do(func() {
		state := j.stateFor(ws)
		state.suppressed[path] = time.Now().Add(-time.Second)
	})
	j.UpdateSnapshot(ws, path, []byte("line1\n"))
	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: path, Kind: ChangeModified, Exists: true}, fakeReader("line1\nline2\n"))

	pending := j.TakePending(ws)
	require.Len(t, pending, 1)
	assert.Equal(t, ChangeModified, pending[0].Kind)
}

// Testable property 10: patch budget.
func TestSmallModificationCarriesPatch(t *testing.T) {
	j := New()
	ws := "/ws"
	path := "/ws/a.txt"

	j.UpdateSnapshot(ws, path, []byte("a\nb\nc\n"))
	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: path, Kind: ChangeModified, Exists: true}, fakeReader("a\nb\nc\nd\n"))

	pending := j.TakePending(ws)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].HasPatch)
	assert.False(t, pending[0].LargeChange)
	assert.LessOrEqual(t, len(pending[0].Patch), MaxPatchChars)
}

func TestLargeModificationReportsLargeChange(t *testing.T) {
	j := New()
	ws := "/ws"
	path := "/ws/big.txt"

	var before strings.Builder
	var after strings.Builder
	for i := 0; i < 50; i++ {
		before.WriteString("same line\n")
	}
	for i := 0; i < 50; i++ {
		after.WriteString("totally different content here\n")
	}

	j.UpdateSnapshot(ws, path, []byte(before.String()))
	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: path, Kind: ChangeModified, Exists: true}, fakeReader(after.String()))

	pending := j.TakePending(ws)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].LargeChange)
	assert.False(t, pending[0].HasPatch)
	assert.Equal(t, largeChangeNote, pending[0].Note)
}

func TestNoSnapshotMeansLargeChange(t *testing.T) {
	j := New()
	ws := "/ws"
	path := "/ws/unread.txt"

	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: path, Kind: ChangeModified, Exists: true}, fakeReader("content"))

	pending := j.TakePending(ws)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].LargeChange)
}

func TestTakePendingDrainsQueue(t *testing.T) {
	j := New()
	ws := "/ws"

	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: "/ws/x.txt", Kind: ChangeCreated, Exists: true}, fakeReader(""))
	first := j.TakePending(ws)
	require.Len(t, first, 1)

	second := j.TakePending(ws)
	assert.Empty(t, second)
}

func TestPendingQueueCapacityDropsOldest(t *testing.T) {
	j := New()
	ws := "/ws"

	for i := 0; i < PendingQueueCapacity+10; i++ {
		j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: "/ws/f.txt", Kind: ChangeCreated, Exists: true}, fakeReader(""))
	}

	pending := j.TakePending(ws)
	assert.Len(t, pending, PendingQueueCapacity)
}

func TestIgnoredPathNeverSurfaces(t *testing.T) {
	j := New()
	ws := t.TempDir()

	j.HandleFSEvent(FSEvent{Workspace: ws, AbsPath: ws + "/.git/HEAD", Kind: ChangeModified, Exists: true}, fakeReader("ref: refs/heads/main"))

	pending := j.TakePending(ws)
	assert.Empty(t, pending)
}
