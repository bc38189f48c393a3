package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Artifact kinds under which stage outputs are persisted.
const (
	StoreKindTopic         = "topic"
	StoreKindCandidateSet  = "candidate-set"
	StoreKindEvaluationSet = "evaluation-set"
	StoreKindSelection     = "selection"
	storeKindRun           = "run"
)

// Store is the external persistence contract. The machine persists the full
// run after every transition so a restarted process can resume where it left
// off.
type Store interface {
	// Save persists a payload under (kind, ref).
	Save(kind, ref string, v interface{}) error

	// Load reads the payload stored under (kind, ref) into v. Returns
	// model.ErrNotFound when nothing is stored.
	Load(kind, ref string, v interface{}) error

	// SaveRun persists the full run record.
	SaveRun(run *model.Run) error

	// LoadRun reads one run record by id.
	LoadRun(id string) (*model.Run, error)

	// ListOpenRuns returns every persisted run not yet in a terminal stage.
	ListOpenRuns() ([]*model.Run, error)
}

// FileStore is a JSON-file-backed Store. Writes go to a temp file first and
// are renamed into place so a crash never leaves a half-written artifact.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save persists a payload under (kind, ref).
func (s *FileStore) Save(kind, ref string, v interface{}) error {
	return s.writeFile(s.artifactPath(kind, ref), v)
}

// Load reads the payload stored under (kind, ref).
func (s *FileStore) Load(kind, ref string, v interface{}) error {
	return s.readFile(s.artifactPath(kind, ref), v)
}

// SaveRun persists the full run record.
func (s *FileStore) SaveRun(run *model.Run) error {
	return s.writeFile(s.runPath(run.ID), run)
}

// LoadRun reads one run record by id.
func (s *FileStore) LoadRun(id string) (*model.Run, error) {
	var run model.Run
	if err := s.readFile(s.runPath(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListOpenRuns returns every persisted run not yet in a terminal stage.
func (s *FileStore) ListOpenRuns() ([]*model.Run, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "runs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var open []*model.Run
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var run model.Run
		if err := s.readFile(filepath.Join(s.dir, "runs", entry.Name()), &run); err != nil {
			continue
		}
		if !run.Stage.IsTerminal() {
			open = append(open, &run)
		}
	}
	return open, nil
}

func (s *FileStore) artifactPath(kind, ref string) string {
	return filepath.Join(s.dir, ref, kind+".json")
}

func (s *FileStore) runPath(id string) string {
	return filepath.Join(s.dir, "runs", id+".json")
}

func (s *FileStore) writeFile(path string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to finalize artifact: %w", err)
	}
	return nil
}

func (s *FileStore) readFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.ErrNotFound
		}
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse artifact: %w", err)
	}
	return nil
}
