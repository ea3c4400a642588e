package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"taskplane/internal/domain/task"
)

type fakeReleaser struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeReleaser) CancelTask(taskID, _ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, taskID)
	return 1
}

func (f *fakeReleaser) released() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type fakeHistory struct {
	mu  sync.Mutex
	ids map[string]bool
}

func (f *fakeHistory) ForgetTask(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ids == nil {
		f.ids = make(map[string]bool)
	}
	f.ids[taskID] = true
}

func (f *fakeHistory) forgotten(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[taskID]
}

type memoryArchive struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{tasks: make(map[string]*task.Task)}
}

func (a *memoryArchive) ArchiveTask(_ context.Context, t *task.Task) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[t.ID] = t.Clone()
	return nil
}

func (a *memoryArchive) LoadTask(_ context.Context, taskID string) (*task.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", task.ErrArchiveMiss, taskID)
	}
	return t.Clone(), nil
}

func (a *memoryArchive) has(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tasks[taskID]
	return ok
}
