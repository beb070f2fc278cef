// Package trigger starts sync jobs when watched source files change.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/terrafusion/syncservice/internal/application/orchestrator"
	"github.com/terrafusion/syncservice/internal/domain/job"
	"github.com/terrafusion/syncservice/internal/infrastructure/logging"
	"github.com/terrafusion/syncservice/internal/infrastructure/watch"
)

// Runner starts jobs and waits for them. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	StartSync(ctx context.Context, req orchestrator.StartRequest) (string, error)
	Wait(ctx context.Context, jobID string) (*job.SyncState, error)
}

// Config holds configuration for the Service.
type Config struct {
	// Paths are the files or directories to watch.
	Paths []string
	// Tables are synchronized on every trigger.
	Tables []job.TableSpec
	// DebounceDuration is the quiet period before a change counts.
	DebounceDuration time.Duration
	// Filter restricts which paths inside watched directories count.
	Filter func(path string) bool
	// RunOnStart syncs once before the first change.
	RunOnStart bool
	// OnRun is called after each triggered job ends (optional).
	OnRun func(RunEvent)
}

// RunEvent describes one triggered job.
type RunEvent struct {
	JobID   string
	Reason  string
	Status  job.Status
	Started time.Time
	Error   error
}

// Service couples a file watcher to a Runner. Changes that arrive while a
// triggered job runs are folded into a single follow-up job.
type Service struct {
	runner  Runner
	watcher *watch.Watcher
	logger  *logging.Logger
	config  Config

	pending chan string

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config, runner Runner, logger *logging.Logger) (*Service, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("at least one path to watch is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one table is required")
	}

	watcherCfg := watch.DefaultConfig()
	if cfg.DebounceDuration > 0 {
		watcherCfg.DebounceDuration = cfg.DebounceDuration
	}
	watcherCfg.Filter = cfg.Filter

	watcher, err := watch.NewWatcher(watcherCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if logger == nil {
		logger = logging.Default()
	}

	return &Service{
		runner:  runner,
		watcher: watcher,
		logger:  logger.With("component", "trigger"),
		config:  cfg,
		pending: make(chan string, 1),
	}, nil
}

// Start begins watching and running triggered jobs until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.watcher.Watch(s.config.Paths...); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	if s.config.RunOnStart {
		s.request("startup")
	}

	s.wg.Add(2)
	go s.processEvents(ctx)
	go s.runJobs(ctx)

	s.running = true
	s.logger.Info("watch trigger started", "paths", s.config.Paths, "tables", len(s.config.Tables))

	return nil
}

// Stop stops watching. A job in progress is left to the orchestrator.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.cancel()
	if err := s.watcher.Close(); err != nil {
		s.logger.Warn("error closing watcher", "error", err)
	}
	s.wg.Wait()

	s.running = false
	s.logger.Info("watch trigger stopped")

	return nil
}

// IsRunning returns true if the service is currently running.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// request queues a run unless one is already queued.
func (s *Service) request(reason string) {
	select {
	case s.pending <- reason:
	default:
	}
}

func (s *Service) processEvents(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events():
			if !ok {
				return
			}
			s.logger.Debug("source changed", "path", event.Path, "event", string(event.Type))
			s.request(string(event.Type) + " " + event.Path)

		case err, ok := <-s.watcher.Errors():
			if !ok {
				return
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

func (s *Service) runJobs(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-s.pending:
			s.run(ctx, reason)
		}
	}
}

func (s *Service) run(ctx context.Context, reason string) {
	ev := RunEvent{Reason: reason, Started: time.Now()}

	jobID, err := s.runner.StartSync(ctx, orchestrator.StartRequest{Tables: s.config.Tables})
	if err != nil {
		ev.Error = err
		s.logger.Error("triggered sync could not start", "reason", reason, "error", err)
		s.notify(ev)
		return
	}
	ev.JobID = jobID
	s.logger.Info("triggered sync started", "job_id", jobID, "reason", reason)

	state, err := s.runner.Wait(ctx, jobID)
	switch {
	case err != nil:
		ev.Error = err
		s.logger.Warn("stopped waiting for triggered sync", "job_id", jobID, "error", err)
	default:
		ev.Status = state.Status
		s.logger.Info("triggered sync finished",
			"job_id", jobID,
			"status", string(state.Status),
			"processed", state.Stats.ProcessedRecords,
			"duration_ms", time.Since(ev.Started).Milliseconds(),
		)
	}
	s.notify(ev)
}

func (s *Service) notify(ev RunEvent) {
	if s.config.OnRun != nil {
		s.config.OnRun(ev)
	}
}
