package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/shared/config"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir())
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func TestFileStore_AppendAndReadEvents(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, audit.Event{Kind: audit.KindTaskCreated, TaskID: "t1", Message: "hello"}))
	require.NoError(t, s.Append(ctx, audit.Event{Kind: audit.KindRecoveryDecision, TaskID: "t1", Fields: map[string]string{"action": "RETRY"}}))
	require.NoError(t, s.Append(ctx, audit.Event{Kind: audit.KindTaskCreated, TaskID: "t2"}))

	events, err := s.Events(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, audit.KindTaskCreated, events[0].Kind)
	assert.Equal(t, "RETRY", events[1].Fields["action"])
	assert.False(t, events[0].Timestamp.IsZero())

	all, err := s.Events(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStore_ConcurrentAppend(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, audit.Event{Kind: audit.KindTaskTransition, TaskID: "t"}))
		}()
	}
	wg.Wait()
	events, err := s.Events(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, events, 20)
}

func TestFileStore_ArchiveRoundTrip(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	original := &task.Task{
		ID:               "3f1c9a52-1d7e-4c4b-9a0e-7d2b8e1f0a11",
		State:            task.StateFailed,
		ChannelSessionID: "web:alice",
		Message:          "fetch https://example.com",
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Minute),
		Error:            &task.TaskError{Code: task.ErrorRecoveryFailed, UserMessage: "nope"},
		Observers:        []string{"web"},
		History:          []task.State{task.StatePending, task.StateRunning, task.StateFailed},
	}
	require.NoError(t, s.ArchiveTask(ctx, original))

	loaded, err := s.LoadTask(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original.History, loaded.History)
	assert.Equal(t, original.Error.Code, loaded.Error.Code)
	assert.True(t, original.CreatedAt.Equal(loaded.CreatedAt))
}

func TestFileStore_LoadMissingTask(t *testing.T) {
	s := newTestFileStore(t)
	_, err := s.LoadTask(context.Background(), "missing")
	assert.True(t, errors.Is(err, task.ErrArchiveMiss))

	_, err = s.LoadTask(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, task.ErrArchiveMiss))
	assert.Error(t, s.ArchiveTask(context.Background(), &task.Task{ID: "../x"}))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, config.StoreConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Nil(t, mem.Archive)
	assert.NotNil(t, mem.Sink)
	mem.Close()

	file, err := Open(ctx, config.StoreConfig{Driver: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.NotNil(t, file.Archive)

	_, err = Open(ctx, config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)
}
