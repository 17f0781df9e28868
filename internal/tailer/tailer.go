// Package tailer incrementally reads the tail of VRChat's rotating
// output_log*.txt files, tracking a per-file byte offset so that each
// byte is delivered to the parser at most once across restarts (spec
// §4.3).
package tailer

import (
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/vrcjournal/vrcjournal/internal/ingesterr"
)

// Line is one newline-terminated line read from a tracked file, along with
// the path of the file it came from.
type Line struct {
	Path string
	Text string
}

// Result is the outcome of a read pass: the lines observed, in file
// (mtime-ascending) × byte-offset order, and the offset each touched file
// should be persisted at if this batch commits.
type Result struct {
	Lines      []Line
	NewOffsets map[string]int64
}

// Tailer enumerates output_log*.txt files in a directory and serves their
// unread suffixes.
type Tailer struct {
	dir     string
	offsets map[string]int64 // path -> next unread byte offset
}

// New constructs a Tailer over dir. Call RestoreOffsets before the first
// ReadBacklog to seed known files' positions from the store.
func New(dir string) *Tailer {
	return &Tailer{dir: dir, offsets: make(map[string]int64)}
}

// RestoreOffsets seeds the in-memory offsets from persisted state. Files
// not present in the map default to 0 the first time they are seen.
func (t *Tailer) RestoreOffsets(known map[string]int64) {
	for path, offset := range known {
		t.offsets[path] = offset
	}
}

// Offset returns the current in-memory offset for path, or 0 if unknown.
func (t *Tailer) Offset(path string) int64 {
	return t.offsets[path]
}

// ReadBacklog reads every tracked or newly discovered file from its
// current offset to EOF. Used once at startup to replay everything
// written since the last run.
func (t *Tailer) ReadBacklog() (Result, error) {
	return t.readPass(false)
}

// Poll re-enumerates the directory and reads whatever has grown since the
// last call. A file whose size shrank (rotation/truncation) is treated as
// new: its offset resets to 0 and it is read from the start.
func (t *Tailer) Poll() (Result, error) {
	return t.readPass(true)
}

func (t *Tailer) readPass(detectShrink bool) (Result, error) {
	paths, err := enumerate(t.dir)
	if err != nil {
		return Result{}, &ingesterr.Environment{Path: t.dir, Err: err}
	}

	res := Result{NewOffsets: make(map[string]int64)}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			log.Print((&ingesterr.TransientIO{Path: path, Err: err}).Error())
			continue
		}
		size := info.Size()

		offset, known := t.offsets[path]
		if !known {
			offset = 0
		} else if detectShrink && size < offset {
			log.Printf("tailer: %s shrank (%d -> %d), treating as rotated", path, offset, size)
			offset = 0
		}

		if offset > size {
			// Defensive: never seek past EOF.
			offset = 0
		}

		lines, newOffset, err := readFrom(path, offset)
		if err != nil {
			log.Print((&ingesterr.TransientIO{Path: path, Err: err}).Error())
			continue
		}

		for _, l := range lines {
			res.Lines = append(res.Lines, Line{Path: path, Text: l})
		}
		if newOffset != offset || !known {
			t.offsets[path] = newOffset
			res.NewOffsets[path] = newOffset
		}
	}

	return res, nil
}

// readFrom reads path from startOffset to EOF, returning complete lines
// and the offset immediately past the last complete line. A trailing run
// of bytes with no terminating '\n' is left unread: neither returned nor
// counted into the new offset, so the next pass picks it up whole (spec
// §4.3 open question #1 — the safer, specified behavior).
func readFrom(path string, startOffset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, startOffset, err
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, io.SeekStart); err != nil {
			return nil, startOffset, err
		}
	}

	var lines []string
	offset := startOffset
	reader := bufio.NewReaderSize(f, 64*1024)

	for {
		raw, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return lines, offset, err
		}

		if len(raw) == 0 {
			break
		}

		if raw[len(raw)-1] != '\n' {
			// Trailing partial line at EOF: not emitted, offset not
			// advanced past it.
			break
		}

		text := strings.TrimSuffix(string(raw), "\n")
		text = strings.TrimSuffix(text, "\r")
		lines = append(lines, decodeLossy(text))
		offset += int64(len(raw))

		if err == io.EOF {
			break
		}
	}

	return lines, offset, nil
}

// decodeLossy replaces invalid UTF-8 sequences with the replacement
// character rather than halting the stream, matching spec §4.3.
func decodeLossy(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, string(utf8.RuneError))
}

// enumerate lists output_log*.txt files in dir, sorted ascending by
// last-modified time (oldest first) — the canonical replay order.
func enumerate(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type fileInfo struct {
		path    string
		modTime int64
	}
	var found []fileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "output_log") || !strings.HasSuffix(name, ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, fileInfo{path: filepath.Join(dir, name), modTime: info.ModTime().UnixNano()})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].modTime < found[j].modTime })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}
