package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "portalwatch/pkg/logx"
)

// fileStore appends events to <prefix>.events.jsonl (JSON Lines).
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := filepath.Join(dir, base) + ".events.jsonl"
	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file storage opened", logx.String("path", eventsPath))
	return &fileStore{log: log, path: eventsPath, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.w.Flush()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.w).Encode(e); err != nil {
		return err
	}
	// Events are rare (minutes apart); flush each one so a crash loses nothing.
	return s.w.Flush()
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]EventRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]EventRecord, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e EventRecord
		if err := json.Unmarshal(line, &e); err != nil {
			s.log.Debug("skipping corrupt audit line", logx.Err(err))
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
	}
	return ring, sc.Err()
}
