package blocklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// document is the on-disk layout of a FileStore.
type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FileStore keeps entries in memory and writes the whole set to a single JSON
// document on every change. Writes go to a temporary file that is renamed
// over the document, so readers never see a partial file.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
}

// NewFileStore loads path, treating a missing file as an empty list.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create block list directory: %w", err)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read block list: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode block list %s: %w", path, err)
	}
	for _, e := range doc.Entries {
		s.entries[e.OriginIP] = e
	}
	return s, nil
}

func (s *FileStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.entries[e.OriginIP]
	s.entries[e.OriginIP] = e
	if err := s.flush(); err != nil {
		if had {
			s.entries[e.OriginIP] = prev
		} else {
			delete(s.entries, e.OriginIP)
		}
		return err
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, originIP string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[originIP]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *FileStore) Delete(_ context.Context, originIP string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[originIP]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, originIP)
	if err := s.flush(); err != nil {
		s.entries[originIP] = prev
		return err
	}
	return nil
}

func (s *FileStore) All(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// flush writes the document. Callers hold s.mu.
func (s *FileStore) flush() error {
	doc := document{Version: 1, Entries: make([]Entry, 0, len(s.entries))}
	for _, e := range s.entries {
		doc.Entries = append(doc.Entries, e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].OriginIP < doc.Entries[j].OriginIP })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode block list: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write block list: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write block list: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("sync block list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close block list: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace block list: %w", err)
	}
	return nil
}
