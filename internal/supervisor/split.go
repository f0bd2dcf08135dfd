package supervisor

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
)

const maxLineBytes = 1 << 20

// splitLines is a bufio.SplitFunc that breaks on either '\n' or '\r'.
// rsync progress2 rewrites its status line with bare carriage returns.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// scanLines reads r to EOF and hands every non-empty segment to emit. A
// segment longer than maxLineBytes stops line delivery, but r is still
// drained so the writer never blocks on a full pipe.
func scanLines(r io.Reader, emit func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	sc.Split(splitLines)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		emit(sc.Text())
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Ring keeps the last N lines of output for error messages.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing creates a Ring holding up to n lines.
func NewRing(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

// Add appends a line, evicting the oldest when full.
func (r *Ring) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string(nil), r.lines[:r.next]...)
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	return append(out, r.lines[:r.next]...)
}

func (r *Ring) String() string {
	return strings.Join(r.Lines(), "\n")
}
