package dedup

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const fileBackend = "file"

// Static and compile-time check to ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)

// FileStore is an append-only, newline-delimited log of URLs with an
// in-memory mirror. The file is read once at open; afterwards reads are served
// from memory and every Commit appends and fsyncs before the mirror is updated.
type FileStore struct {
	mu  sync.RWMutex
	f   *os.File
	set map[string]struct{}
}

// OpenFile opens (creating if needed) the log at path and loads it.
func OpenFile(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &StorageError{Backend: fileBackend, Op: "open", Err: err}
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &StorageError{Backend: fileBackend, Op: "open", Err: err}
	}
	set, err := readLines(f)
	if err != nil {
		_ = f.Close()
		return nil, &StorageError{Backend: fileBackend, Op: "load", Err: err}
	}
	if err := terminateLastLine(f); err != nil {
		_ = f.Close()
		return nil, &StorageError{Backend: fileBackend, Op: "repair", Err: err}
	}
	return &FileStore{f: f, set: set}, nil
}

// terminateLastLine appends a newline when a crash left the last line
// unterminated, so the next append starts on its own line.
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func readLines(r io.Reader) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		set[line] = struct{}{}
	}
	return set, scanner.Err()
}

// Load returns a copy of the committed set.
func (s *FileStore) Load(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.set))
	for k := range s.set {
		out[k] = struct{}{}
	}
	return out, nil
}

// Filter returns the uncommitted URLs.
func (s *FileStore) Filter(_ context.Context, urls []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.f == nil {
		return nil, &StorageError{Backend: fileBackend, Op: "filter", Err: os.ErrClosed}
	}
	out := make([]string, 0, len(urls))
	for _, u := range unique(urls) {
		if _, ok := s.set[u]; !ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// Commit appends the URLs not yet in the log and fsyncs. The in-memory
// mirror only changes after the write is durable.
func (s *FileStore) Commit(_ context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return &StorageError{Backend: fileBackend, Op: "commit", Err: os.ErrClosed}
	}

	var (
		sb    strings.Builder
		added []string
	)
	for _, u := range unique(urls) {
		if strings.ContainsAny(u, "\r\n") {
			continue
		}
		if _, ok := s.set[u]; ok {
			continue
		}
		sb.WriteString(u)
		sb.WriteByte('\n')
		added = append(added, u)
	}
	if len(added) == 0 {
		return nil
	}

	if _, err := s.f.WriteString(sb.String()); err != nil {
		return &StorageError{Backend: fileBackend, Op: "commit", Err: err}
	}
	if err := s.f.Sync(); err != nil {
		return &StorageError{Backend: fileBackend, Op: "sync", Err: err}
	}
	for _, u := range added {
		s.set[u] = struct{}{}
	}
	return nil
}

// Close closes the log file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
