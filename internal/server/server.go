package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/uesteibar/ralphd/internal/mergequeue"
	"github.com/uesteibar/ralphd/internal/pipeline"
	"github.com/uesteibar/ralphd/internal/prd"
	"github.com/uesteibar/ralphd/internal/reconcile"
	"github.com/uesteibar/ralphd/internal/state"
)

// Store is the slice of the state store the RPC surface needs.
type Store interface {
	ListExecutions(filter state.Filter) ([]state.Execution, error)
	FindByBranch(branch string) (state.Execution, error)
	InsertExecutionAtomic(exec state.Execution, stories []state.UserStory) error
	ClaimReadyExecution(branch string) (state.Execution, error)
	ArchiveExecution(id string) error
	ListStories(executionID string) ([]state.UserStory, error)
	ListArchivedExecutions(limit int) ([]state.Execution, error)
	ListMergeQueue() ([]state.MergeQueueItem, error)
	EnqueueMerge(executionID string) (state.MergeQueueItem, error)
	RemoveMergeItem(id int) error
	ActiveCount() (int, error)
	MaxConcurrency() (int, error)
}

// Updater is the evidence-driven update pipeline.
type Updater interface {
	Update(ctx context.Context, req pipeline.UpdateRequest) (pipeline.UpdateResult, error)
}

// Lifecycle covers the manual stop/retry transitions the scheduler owns.
type Lifecycle interface {
	Stop(branch string) (state.Execution, error)
	Retry(branch string) (state.Execution, error)
}

// Reconciler aligns recorded state with git reality before status reads.
type Reconciler interface {
	ReconcileAll(ctx context.Context, project string) ([]reconcile.Result, error)
}

// MergeRunner drains the merge queue synchronously or on a kick.
type MergeRunner interface {
	ProcessAll(ctx context.Context) ([]mergequeue.ItemResult, error)
	Kick()
}

// Git is the git capability the start flow needs.
type Git interface {
	AddWorktree(ctx context.Context, path, branch string) error
	RemoveWorktree(ctx context.Context, worktreePath string) error
	BranchHead(ctx context.Context, branch string) (string, error)
}

// ActivityRecorder appends lifecycle events to the audit trail. Optional;
// failures are logged, never surfaced.
type ActivityRecorder interface {
	RecordEvent(executionID, branch, eventType, fromStatus, toStatus, detail string) error
}

// Config holds server collaborators. Store and Updater are required; the
// rest degrade gracefully when nil.
type Config struct {
	Store      Store
	Updater    Updater
	Lifecycle  Lifecycle
	Reconciler Reconciler
	Merges     MergeRunner
	Git        Git
	Activity   ActivityRecorder
	// Hub receives broadcast events for connected dashboards. When non-nil,
	// the /api/ws endpoint is registered.
	Hub *Hub
	// WorktreesDir is where start creates per-execution worktrees.
	WorktreesDir string
	// Shutdown stops the process after the shutdown endpoint accepts. A
	// non-nil func is invoked in a goroutine so the response flushes first.
	Shutdown func()
	Logger   *slog.Logger
	// ParsePrd overrides PRD parsing for tests. Defaults to prd.Parse.
	ParsePrd func(path string) (*prd.ParsedPrd, error)
}

// Server is the HTTP JSON RPC surface of the orchestrator.
type Server struct {
	mux      *http.ServeMux
	listener net.Listener
}

// New creates a Server bound to addr (e.g. "127.0.0.1:7750"). It does not
// start serving; call Serve for that.
func New(addr string, cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	s := &Server{mux: mux, listener: ln}
	s.registerRoutes(cfg)
	return s, nil
}

// Addr returns the listener's address (useful when binding to :0 in tests).
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve starts accepting connections. It blocks until the listener is
// closed.
func (s *Server) Serve() error {
	return http.Serve(s.listener, s.mux)
}

// Close shuts down the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes(cfg Config) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parse := cfg.ParsePrd
	if parse == nil {
		parse = prd.Parse
	}

	api := &apiHandler{
		store:        cfg.Store,
		updater:      cfg.Updater,
		lifecycle:    cfg.Lifecycle,
		reconciler:   cfg.Reconciler,
		merges:       cfg.Merges,
		git:          cfg.Git,
		activity:     cfg.Activity,
		hub:          cfg.Hub,
		worktreesDir: cfg.WorktreesDir,
		shutdown:     cfg.Shutdown,
		parsePrd:     parse,
		startAt:      time.Now(),
		logger:       logger,
	}

	// Branch names contain slashes, so branch-scoped operations take the
	// branch in the request body instead of the path.
	s.mux.HandleFunc("POST /api/executions", api.handleStart)
	s.mux.HandleFunc("GET /api/status", api.handleStatus)
	s.mux.HandleFunc("POST /api/update", api.handleUpdate)
	s.mux.HandleFunc("POST /api/stop", api.handleStop)
	s.mux.HandleFunc("POST /api/retry", api.handleRetry)
	s.mux.HandleFunc("POST /api/claim", api.handleClaim)
	s.mux.HandleFunc("POST /api/merge", api.handleMerge)
	s.mux.HandleFunc("POST /api/shutdown", api.handleShutdown)

	if cfg.Hub != nil {
		s.mux.HandleFunc("GET /api/ws", cfg.Hub.ServeWS)
	}

	// Catch-all for unregistered /api/ routes.
	s.mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}
