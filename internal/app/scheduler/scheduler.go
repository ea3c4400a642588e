// Package scheduler fires cron triggers that create tasks through the same
// entry point channels use.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskplane/internal/app/orchestrator"
	"taskplane/internal/domain/task"
	"taskplane/internal/shared/logging"
)

// ChannelPrefix is the channel of every scheduled task's session id.
const ChannelPrefix = task.ChannelScheduler

// TaskCreator is the orchestrator entry point. *orchestrator.Orchestrator
// satisfies it.
type TaskCreator interface {
	CreateTask(ctx context.Context, message, channelSessionID string, opts ...orchestrator.CreateOption) (*task.Task, error)
}

// Trigger creates a task with Message on every Schedule tick.
type Trigger struct {
	Name     string
	Schedule string
	Message  string
}

// SessionID returns the synthetic channel session id of the trigger.
func (t Trigger) SessionID() string {
	return ChannelPrefix + ":" + t.Name
}

// Config holds scheduler configuration.
type Config struct {
	Enabled  bool
	Triggers []Trigger
	Location *time.Location
}

// Entry describes a registered trigger.
type Entry struct {
	Trigger
	Next time.Time
	Prev time.Time
}

// Scheduler manages cron triggers using robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	creator  TaskCreator
	config   Config
	logger   logging.Logger
	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	triggers map[string]Trigger
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler.
func New(cfg Config, creator TaskCreator, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	options := []cron.Option{
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	}
	if cfg.Location != nil {
		options = append(options, cron.WithLocation(cfg.Location))
	}
	return &Scheduler{
		cron:     cron.New(options...),
		creator:  creator,
		config:   cfg,
		logger:   logger,
		entryIDs: make(map[string]cron.EntryID),
		triggers: make(map[string]Trigger),
		stopped:  make(chan struct{}),
	}
}

// Start registers the configured triggers and starts the cron loop. The
// scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("scheduler disabled by config")
		return nil
	}
	if s.creator == nil {
		return fmt.Errorf("scheduler: task creator is required")
	}
	for _, trigger := range s.config.Triggers {
		if err := s.Register(trigger); err != nil {
			s.logger.Warn("failed to register trigger %q: %v", trigger.Name, err)
		}
	}
	s.cron.Start()
	s.mu.Lock()
	count := len(s.entryIDs)
	s.mu.Unlock()
	s.logger.Info("scheduler started with %d triggers", count)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop waits for running jobs and stops the scheduler. Safe to call more
// than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Register adds a trigger. Registering a name twice replaces the schedule.
func (s *Scheduler) Register(trigger Trigger) error {
	trigger.Name = strings.TrimSpace(trigger.Name)
	if trigger.Name == "" {
		return fmt.Errorf("trigger has no name")
	}
	if strings.TrimSpace(trigger.Schedule) == "" {
		return fmt.Errorf("trigger %q has no schedule", trigger.Name)
	}
	if strings.TrimSpace(trigger.Message) == "" {
		return fmt.Errorf("trigger %q has no message", trigger.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := trigger
	entryID, err := s.cron.AddFunc(t.Schedule, func() { s.fire(t) })
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", t.Name, err)
	}
	if previous, ok := s.entryIDs[t.Name]; ok {
		s.cron.Remove(previous)
	}
	s.entryIDs[t.Name] = entryID
	s.triggers[t.Name] = t
	s.logger.Info("registered trigger %q (schedule=%s)", t.Name, t.Schedule)
	return nil
}

// Unregister removes a trigger by name.
func (s *Scheduler) Unregister(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entryID, ok := s.entryIDs[name]
	if !ok {
		return false
	}
	s.cron.Remove(entryID)
	delete(s.entryIDs, name)
	delete(s.triggers, name)
	return true
}

// Entries lists registered triggers with their next run, sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entryIDs))
	for name, entryID := range s.entryIDs {
		ce := s.cron.Entry(entryID)
		out = append(out, Entry{Trigger: s.triggers[name], Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RunNow fires a registered trigger immediately.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*task.Task, error) {
	s.mu.Lock()
	trigger, ok := s.triggers[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("trigger %q not registered", name)
	}
	return s.create(ctx, trigger)
}

func (s *Scheduler) fire(trigger Trigger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.create(ctx, trigger); err != nil {
		s.logger.Warn("trigger %q: %v", trigger.Name, err)
	}
}

func (s *Scheduler) create(ctx context.Context, trigger Trigger) (*task.Task, error) {
	created, err := s.creator.CreateTask(ctx, trigger.Message, trigger.SessionID())
	if err != nil {
		return nil, fmt.Errorf("create task for trigger %q: %w", trigger.Name, err)
	}
	s.logger.Info("trigger %q created task %s", trigger.Name, created.ID)
	return created, nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
