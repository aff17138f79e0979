package ledger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// DefaultJournalCapacity bounds a Journal built with a non-positive capacity.
const DefaultJournalCapacity = 256

// Journal keeps the most recent entries in a fixed ring; the oldest entry is
// evicted once the ring is full.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	size    int
	total   uint64
}

// NewJournal creates a ring holding at most capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultJournalCapacity
	}
	return &Journal{entries: make([]Entry, capacity)}
}

// Record stores an entry, overwriting the oldest when full.
func (j *Journal) Record(e Entry) {
	j.mu.Lock()
	j.entries[j.next] = e
	j.next = (j.next + 1) % len(j.entries)
	if j.size < len(j.entries) {
		j.size++
	}
	j.total++
	j.mu.Unlock()
}

// Snapshot returns the retained entries, oldest first.
func (j *Journal) Snapshot() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, j.size)
	first := (j.next - j.size + len(j.entries)) % len(j.entries)
	for i := 0; i < j.size; i++ {
		out = append(out, j.entries[(first+i)%len(j.entries)])
	}
	return out
}

// Capacity is the maximum number of retained entries.
func (j *Journal) Capacity() int { return len(j.entries) }

// Total counts every entry ever recorded, including evicted ones.
func (j *Journal) Total() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.total
}

// Reset clears all stored entries.
func (j *Journal) Reset() {
	j.mu.Lock()
	clear(j.entries)
	j.next, j.size, j.total = 0, 0, 0
	j.mu.Unlock()
}

// JSONLRecorder appends entries as JSON lines for later analysis.
type JSONLRecorder struct {
	mu   sync.Mutex
	file io.WriteCloser
	enc  *json.Encoder
}

// NewJSONLRecorder creates/opens the target file and returns a recorder.
func NewJSONLRecorder(path string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONLRecorder{file: file, enc: json.NewEncoder(file)}, nil
}

// Record writes a single entry. Write errors are dropped.
func (r *JSONLRecorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	_ = r.enc.Encode(e)
}

// Close closes the file handle.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// MultiRecorder fans an entry out to several recorders.
type MultiRecorder []FillRecorder

// Record forwards to every recorder.
func (m MultiRecorder) Record(e Entry) {
	for _, r := range m {
		r.Record(e)
	}
}
