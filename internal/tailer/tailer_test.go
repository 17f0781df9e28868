package tailer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadBacklogReadsCompleteLines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "output_log_2025-10-13.txt", "line one\nline two\n")

	tl := New(dir)
	res, err := tl.ReadBacklog()
	require.NoError(t, err)

	require.Len(t, res.Lines, 2)
	assert.Equal(t, "line one", res.Lines[0].Text)
	assert.Equal(t, "line two", res.Lines[1].Text)
}

func TestTrailingPartialLineNotEmittedOrAdvanced(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "output_log_2025-10-13.txt", "complete line\npartial line no newline")

	tl := New(dir)
	res, err := tl.ReadBacklog()
	require.NoError(t, err)

	require.Len(t, res.Lines, 1)
	assert.Equal(t, "complete line", res.Lines[0].Text)

	offsetAfterFirst := tl.Offset(path)
	assert.Less(t, int(offsetAfterFirst), len("complete line\npartial line no newline"))

	// Completing the line on the next poll should emit it and advance to EOF.
	require.NoError(t, os.WriteFile(path, []byte("complete line\npartial line no newline\n"), 0o644))
	res2, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, res2.Lines, 1)
	assert.Equal(t, "partial line no newline", res2.Lines[0].Text)
}

func TestPollPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "output_log_a.txt", "first\n")

	tl := New(dir)
	_, err := tl.ReadBacklog()
	require.NoError(t, err)

	// New file appears between polls.
	time.Sleep(2 * time.Millisecond)
	writeFile(t, dir, "output_log_b.txt", "second\n")

	res, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "second", res.Lines[0].Text)
}

func TestRotationResetsOffsetToZero(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "output_log_a.txt", "aaaaaaaaaa\nbbbbbbbbbb\n")

	tl := New(dir)
	res, err := tl.ReadBacklog()
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)

	// Shrink (truncate + rewrite), simulating log rotation.
	require.NoError(t, os.WriteFile(path, []byte("cccccccccc\n"), 0o644))

	res2, err := tl.Poll()
	require.NoError(t, err)
	require.Len(t, res2.Lines, 1)
	assert.Equal(t, "cccccccccc", res2.Lines[0].Text)
}

func TestRestoreOffsetsSeedsKnownFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "output_log_a.txt", "line one\nline two\n")

	tl := New(dir)
	tl.RestoreOffsets(map[string]int64{path: int64(len("line one\n"))})

	res, err := tl.ReadBacklog()
	require.NoError(t, err)
	require.Len(t, res.Lines, 1)
	assert.Equal(t, "line two", res.Lines[0].Text)
}

func TestFilesOrderedByModTimeAscending(t *testing.T) {
	dir := t.TempDir()
	older := writeFile(t, dir, "output_log_old.txt", "old\n")
	time.Sleep(5 * time.Millisecond)
	newer := writeFile(t, dir, "output_log_new.txt", "new\n")

	oldTime := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, oldTime, oldTime))
	require.NoError(t, os.Chtimes(newer, time.Now(), time.Now()))

	tl := New(dir)
	res, err := tl.ReadBacklog()
	require.NoError(t, err)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "old", res.Lines[0].Text)
	assert.Equal(t, "new", res.Lines[1].Text)
}
