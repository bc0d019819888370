package jobregistry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Store keeps one <root>/<job_id>/job.json per job. Writes are atomic
// (temp file + rename), so readers never see a torn record.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root)}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return errors.New("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write persists record, replacing any previous version.
func (s *Store) Write(record *JobRecord) error {
	if record == nil || strings.TrimSpace(record.JobID) == "" {
		return errors.New("job record with a job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", record.JobID, err)
	}
	return writeAtomic(s.JobPath(strings.TrimSpace(record.JobID)), append(data, '\n'))
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("write %s: %w", path, werr)
	}
	return os.Rename(tmp.Name(), path)
}

// Get loads one record. A record left mid-pipeline by a worker that no
// longer exists is marked unknown on read.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job_id is required")
	}
	data, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("job %s: empty job.json", jobID)
	}

	var rec JobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("job %s: parse job.json: %w", jobID, err)
	}

	if !rec.State.Terminal() && rec.WorkerPID > 0 && !isProcessAlive(rec.WorkerPID) {
		now := time.Now().UTC()
		rec.State = JobStateUnknown
		rec.UpdatedAt = &now
		rec.Error = "worker exited before the job finished"
		_ = s.Write(&rec)
	}
	return &rec, nil
}

// Update loads jobID, applies fn and writes the result back.
func (s *Store) Update(jobID string, fn func(*JobRecord)) (*JobRecord, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	fn(rec)
	now := time.Now().UTC()
	rec.UpdatedAt = &now
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a job directory.
func (s *Store) Delete(jobID string) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job_id %q", jobID)
	}
	return os.RemoveAll(s.JobDir(jobID))
}

// List returns every readable record, newest first. Unreadable entries are
// skipped.
func (s *Store) List() ([]JobRecord, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return []JobRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if rec, err := s.Get(e.Name()); err == nil {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

func sortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return *r.StartedAt
	}
	return r.CreatedAt
}

// isProcessAlive probes pid with signal 0.
func isProcessAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
