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

	"agentdesk/pkg/logx"
)

// fileStore appends job records to a JSON Lines file and keeps a
// bounded in-memory tail for RecentJobs. On open it replays the file's
// tail so recent history survives a restart.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	f    *os.File
	tail []JobRecord
}

const fileTailSize = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	tail, err := loadTail(path, fileTailSize)
	if err != nil {
		log.Warn("audit log replay failed, starting empty", logx.Err(err))
		tail = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f, tail: tail}, nil
}

func loadTail(path string, n int) ([]JobRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var tail []JobRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r JobRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue // tolerate torn writes at the end of a crashed run
		}
		tail = append(tail, r)
		if len(tail) > n {
			tail = tail[1:]
		}
	}
	return tail, sc.Err()
}

func (s *fileStore) AppendJob(_ context.Context, r JobRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.tail = append(s.tail, r)
	if len(s.tail) > fileTailSize {
		s.tail = s.tail[1:]
	}
	return nil
}

func (s *fileStore) RecentJobs(_ context.Context, identity string, limit int) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []JobRecord
	for i := len(s.tail) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if identity != "" && s.tail[i].Identity != identity {
			continue
		}
		out = append(out, s.tail[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
