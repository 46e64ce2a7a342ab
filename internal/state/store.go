package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uesteibar/ralphd/internal/retry"
)

const (
	stateFileName = "state.json"
	lockFileName  = "state.lock"
	backupPrefix  = "state.json.backup-"
	corruptPrefix = "state.json.corrupt-"

	// DefaultMaxArchived bounds the archive; oldest entries are evicted.
	DefaultMaxArchived = 50

	// DefaultMaxBackups bounds retained state.json backups.
	DefaultMaxBackups = 5

	writeAttempts = 6
)

// Store is the durable document holding executions, stories, the merge queue,
// archives and runner config. Every operation acquires an in-process mutex
// and a cross-process lock file, reads the document, mutates it, and replaces
// the file atomically.
type Store struct {
	dir         string
	path        string
	lock        *fileLock
	maxArchived int
	maxBackups  int
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxArchived overrides the archive retention cap.
func WithMaxArchived(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxArchived = n
		}
	}
}

// WithMaxBackups overrides the number of retained state.json backups.
func WithMaxBackups(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxBackups = n
		}
	}
}

// WithLogger sets the logger used for corruption and backup warnings.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source. Tests use this to make timestamps
// deterministic.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLockStaleAfter overrides the lock staleness window.
func WithLockStaleAfter(d time.Duration) StoreOption {
	return func(s *Store) { s.lock.staleAfter = d }
}

// NewStore opens (or initializes) the store in dataDir.
func NewStore(dataDir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	s := &Store{
		dir:         dataDir,
		path:        filepath.Join(dataDir, stateFileName),
		lock:        newFileLock(filepath.Join(dataDir, lockFileName)),
		maxArchived: DefaultMaxArchived,
		maxBackups:  DefaultMaxBackups,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the location of the state document.
func (s *Store) Path() string {
	return s.path
}

// withDocument serializes a read-modify-write cycle under both locks. The
// document is re-read from disk on every call, so a failed write never leaves
// stale in-memory state behind.
func (s *Store) withDocument(mutate func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Acquire(context.Background()); err != nil {
		return fmt.Errorf("acquiring state lock: %w", err)
	}
	defer s.lock.Release()

	doc := s.load()
	if err := mutate(doc); err != nil {
		return err
	}
	return s.save(doc)
}

// readDocument is withDocument without the write-back, used by pure reads so
// they observe consistent snapshots.
func (s *Store) readDocument(read func(doc *document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Acquire(context.Background()); err != nil {
		return fmt.Errorf("acquiring state lock: %w", err)
	}
	defer s.lock.Release()

	return read(s.load())
}

// load reads and parses the state document. A missing file yields an empty
// document. An unparseable file yields an empty document too; the corrupt
// content is preserved on the next save, never overwritten in place.
func (s *Store) load() *document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading state file", "path", s.path, "error", err)
		}
		return emptyDocument()
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("state file is corrupt, starting from empty state",
			"path", s.path, "error", err)
		return emptyDocument()
	}
	normalize(&doc)
	return &doc
}

// save validates, backs up, and atomically replaces the state document.
// Transient filesystem errors are retried with exponential backoff.
func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	// Validate the serialized form round-trips before it replaces anything.
	var check document
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("validating serialized state: %w", err)
	}

	s.backupCurrent()

	tmp := s.path + ".tmp"
	err = retry.Do(context.Background(), func() error {
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			return err
		}
		return os.Rename(tmp, s.path)
	}, retry.WithMaxAttempts(writeAttempts), retry.WithBaseDelay(25*time.Millisecond))
	if err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}

	s.pruneBackups()
	return nil
}

// backupCurrent copies the existing state file aside before it is replaced.
// Parseable content goes into the backup rotation; unparseable content is
// preserved under a corrupt- name so an operator can recover it.
func (s *Store) backupCurrent() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return // nothing to back up
	}

	name := backupPrefix
	var check document
	if json.Unmarshal(data, &check) != nil {
		name = corruptPrefix
	}

	backupPath := filepath.Join(s.dir, fmt.Sprintf("%s%d", name, s.now().UnixMilli()))
	if err := os.WriteFile(backupPath, data, 0644); err != nil {
		s.logger.Warn("backing up state file", "path", backupPath, "error", err)
	}
}

// pruneBackups evicts the oldest backups (by name, which embeds the creation
// time) beyond the retention bound.
func (s *Store) pruneBackups() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), backupPrefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= s.maxBackups {
		return
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-s.maxBackups] {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("pruning state backup", "name", name, "error", err)
		}
	}
}

// normalize fills nil slices so the document always serializes with the full
// schema.
func normalize(doc *document) {
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Executions == nil {
		doc.Executions = []Execution{}
	}
	if doc.UserStories == nil {
		doc.UserStories = []UserStory{}
	}
	if doc.MergeQueue == nil {
		doc.MergeQueue = []MergeQueueItem{}
	}
	if doc.ArchivedExecutions == nil {
		doc.ArchivedExecutions = []Execution{}
	}
	if doc.ArchivedUserStories == nil {
		doc.ArchivedUserStories = []UserStory{}
	}
}

// MaxConcurrency returns the configured concurrency cap, clamped to its
// valid range.
func (s *Store) MaxConcurrency() (int, error) {
	limit := DefaultMaxConcurrency
	err := s.readDocument(func(doc *document) error {
		limit = effectiveMaxConcurrency(doc)
		return nil
	})
	return limit, err
}

// SetMaxConcurrency stores a new concurrency cap, clamping it to [1,10].
func (s *Store) SetMaxConcurrency(n int, reason string) (RunnerConfig, error) {
	var cfg RunnerConfig
	err := s.withDocument(func(doc *document) error {
		cfg = RunnerConfig{
			MaxConcurrency: ClampConcurrency(n),
			UpdatedAt:      s.now(),
			Reason:         reason,
		}
		doc.RunnerConfig = &cfg
		return nil
	})
	return cfg, err
}

func effectiveMaxConcurrency(doc *document) int {
	if doc.RunnerConfig == nil {
		return DefaultMaxConcurrency
	}
	return ClampConcurrency(doc.RunnerConfig.MaxConcurrency)
}

func countStatuses(doc *document, statuses ...Status) int {
	n := 0
	for _, exec := range doc.Executions {
		for _, st := range statuses {
			if exec.Status == st {
				n++
				break
			}
		}
	}
	return n
}

// ActiveCount returns how many executions currently hold a runner slot.
func (s *Store) ActiveCount() (int, error) {
	count := 0
	err := s.readDocument(func(doc *document) error {
		count = countStatuses(doc, ActiveStatuses...)
		return nil
	})
	return count, err
}
