package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "batchbridge/pkg/logx"
)

const compactEvery = 500

// fileStore serves reads from memory and persists writes to:
//
//   - <prefix>.jobs.snapshot.json (full record list, rewritten on compaction)
//   - <prefix>.jobs.journal.jsonl (append-only put/delete operations)
//
// The journal is replayed over the snapshot on open and compacted into it on
// open, every compactEvery writes and on Close.
type fileStore struct {
	*memStore
	log logx.Logger

	snapshotPath string
	journal      *os.File
	writes       int
}

type fileRecord struct {
	Name         string          `json:"name"`
	Group        string          `json:"group"`
	Description  string          `json:"description,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	TriggerName  string          `json:"trigger_name"`
	TriggerGroup string          `json:"trigger_group"`
	Cron         string          `json:"cron"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type journalOp struct {
	Op     string      `json:"op"` // put | del
	Record *fileRecord `json:"record,omitempty"`
	Name   string      `json:"name,omitempty"`
	Group  string      `json:"group,omitempty"`
}

func toFileRecord(r JobRecord) (fileRecord, error) {
	data, err := EncodeData(r.Data)
	if err != nil {
		return fileRecord{}, err
	}
	return fileRecord{
		Name: r.Name, Group: r.Group, Description: r.Description, Kind: r.Kind, Data: data,
		TriggerName: r.TriggerName, TriggerGroup: r.TriggerGroup, Cron: r.Cron, UpdatedAt: r.UpdatedAt,
	}, nil
}

func (f fileRecord) record() (JobRecord, error) {
	data, err := DecodeData(f.Data)
	if err != nil {
		return JobRecord{}, err
	}
	return JobRecord{
		Name: f.Name, Group: f.Group, Description: f.Description, Kind: f.Kind, Data: data,
		TriggerName: f.TriggerName, TriggerGroup: f.TriggerGroup, Cron: f.Cron, UpdatedAt: f.UpdatedAt,
	}, nil
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMem(),
		log:          log,
		snapshotPath: prefix + ".jobs.snapshot.json",
	}
	journalPath := prefix + ".jobs.journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	if err := s.compactLocked(); err != nil {
		log.Warn("journal compaction failed", logx.Err(err))
	}
	log.Debug("file store opened", logx.String("snapshot", s.snapshotPath), logx.Int("jobs", len(s.records)))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var recs []fileRecord
	if err := json.Unmarshal(b, &recs); err != nil {
		return err
	}
	for _, fr := range recs {
		r, err := fr.record()
		if err != nil {
			return err
		}
		s.putLocked(r)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// A torn final line is expected after a crash.
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		switch op.Op {
		case "put":
			if op.Record == nil {
				continue
			}
			r, err := op.Record.record()
			if err != nil {
				s.log.Warn("skipping undecodable journal record", logx.String("job", op.Record.Name), logx.Err(err))
				continue
			}
			s.putLocked(r)
		case "del":
			s.deleteLocked(op.Name, op.Group)
		}
	}
	return sc.Err()
}

func (s *fileStore) appendLocked(op journalOp) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutJob(_ context.Context, r JobRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	fr, err := toFileRecord(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.appendLocked(journalOp{Op: "put", Record: &fr}); err != nil {
		return err
	}
	s.putLocked(r)
	return nil
}

func (s *fileStore) DeleteJob(_ context.Context, name, group string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.records[recordKey{name, group}]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalOp{Op: "del", Name: name, Group: group}); err != nil {
		return false, err
	}
	return s.deleteLocked(name, group), nil
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	recs := s.listLocked()
	out := make([]fileRecord, 0, len(recs))
	for _, r := range recs {
		fr, err := toFileRecord(r)
		if err != nil {
			return err
		}
		out = append(out, fr)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
