package store

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	jsonx "taskplane/internal/shared/json"
)

const (
	auditFileName = "audit.jsonl"
	tasksDirName  = "tasks"
)

var safeTaskID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStore keeps the audit log as JSON lines and archives each terminal
// task as its own JSON document under dir.
type FileStore struct {
	mu        sync.Mutex
	auditPath string
	tasksDir  string
	now       func() time.Time
}

var (
	_ audit.Sink   = (*FileStore)(nil)
	_ task.Archive = (*FileStore)(nil)
)

// NewFileStore creates a file store rooted at dir.
func NewFileStore(dir string) *FileStore {
	dir = ResolvePath(dir)
	return &FileStore{
		auditPath: filepath.Join(dir, auditFileName),
		tasksDir:  filepath.Join(dir, tasksDirName),
		now:       time.Now,
	}
}

// EnsureSchema creates the storage directories.
func (s *FileStore) EnsureSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.tasksDir, 0o755); err != nil {
		return fmt.Errorf("create task archive dir: %w", err)
	}
	return nil
}

// Append writes one event as a JSON line.
func (s *FileStore) Append(ctx context.Context, event audit.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	line, err := jsonx.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	return f.Close()
}

// Events reads back the audit log, optionally filtered to one task.
func (s *FileStore) Events(ctx context.Context, taskID string) ([]audit.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, err := readFileOrEmpty(s.auditPath)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	var events []audit.Event
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event audit.Event
		if err := jsonx.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		if taskID == "" || event.TaskID == taskID {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return events, nil
}

// ArchiveTask writes the task document atomically.
func (s *FileStore) ArchiveTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.taskPath(t.ID)
	if err != nil {
		return err
	}
	data, err := jsonx.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := atomicWrite(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// LoadTask reads an archived task.
func (s *FileStore) LoadTask(ctx context.Context, taskID string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.taskPath(taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrArchiveMiss, err)
	}
	data, err := readFileOrEmpty(path)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", taskID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", task.ErrArchiveMiss, taskID)
	}
	var t task.Task
	if err := jsonx.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

func (s *FileStore) taskPath(taskID string) (string, error) {
	if !safeTaskID.MatchString(taskID) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	return filepath.Join(s.tasksDir, taskID+".json"), nil
}
