package ringlog

import (
	"runtime"
	"strings"
	"sync"
)

// DefaultCapacity is used when a non-positive capacity is given to New.
const DefaultCapacity = 1000

// Log is a fixed-capacity, append-only line buffer. Once full, the oldest
// line is evicted for every new one.
//
// Two coordinate systems are exposed. Get and GetRange take offsets relative
// to the retained window. Since takes an absolute cursor counted over every
// line ever written, which is what a polling reader should keep.
type Log struct {
	mu sync.RWMutex

	lines []string
	head  int // index of the oldest retained line
	size  int
	total int
}

func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{lines: make([]string, capacity)}
}

func (l *Log) Capacity() int { return len(l.lines) }

func (l *Log) AddLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := len(l.lines)
	if l.size < capacity {
		l.lines[(l.head+l.size)%capacity] = line
		l.size++
	} else {
		l.lines[l.head] = line
		l.head = (l.head + 1) % capacity
	}
	l.total++
}

// LastLine returns the most recently written line, or "" when empty.
func (l *Log) LastLine() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.size == 0 {
		return ""
	}
	return l.lines[(l.head+l.size-1)%len(l.lines)]
}

// Len returns the number of retained lines.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Total returns the number of lines ever written, including evicted and
// cleared ones.
func (l *Log) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Get returns every retained line after skipping the first skip of them.
func (l *Log) Get(skip int) []string {
	return l.GetRange(skip, -1)
}

// GetRange returns at most take retained lines after skipping skip of them.
// A negative take means no limit. Out of range offsets yield an empty slice.
func (l *Log) GetRange(skip, take int) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.window(skip, take)
}

// Since returns the lines written at or after the absolute cursor, and the
// cursor to pass on the next call. If some of the requested lines were
// already evicted the read starts at the oldest retained line and gap is set.
func (l *Log) Since(cursor int) (lines []string, next int, gap bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if cursor < 0 {
		cursor = 0
	}

	oldest := l.total - l.size
	if cursor < oldest {
		gap = true
		cursor = oldest
	}

	if cursor >= l.total {
		return []string{}, l.total, gap
	}

	return l.window(cursor-oldest, -1), l.total, gap
}

func (l *Log) window(skip, take int) []string {
	if skip < 0 {
		skip = 0
	}
	if skip >= l.size {
		return []string{}
	}

	n := l.size - skip
	if take >= 0 && take < n {
		n = take
	}

	out := make([]string, n)
	capacity := len(l.lines)
	for i := range out {
		out[i] = l.lines[(l.head+skip+i)%capacity]
	}
	return out
}

// Clear drops every retained line. Total is left untouched so absolute
// cursors held by readers stay meaningful.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.lines {
		l.lines[i] = ""
	}
	l.head = 0
	l.size = 0
}

// String renders the retained lines joined by the platform line separator.
func (l *Log) String() string {
	return strings.Join(l.Get(0), newline)
}

var newline = func() string {
	if runtime.GOOS == "windows" {
		return "\r\n"
	}
	return "\n"
}()
