package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/task"
	"taskplane/internal/shared/async"
)

const deliveryTimeout = 10 * time.Second

// RegisterObserver makes obs the receiver for its channel id. A later
// registration for the same channel replaces the earlier one.
func (o *Orchestrator) RegisterObserver(obs task.Observer) error {
	if obs == nil {
		return fmt.Errorf("register observer: nil observer")
	}
	channelID := strings.TrimSpace(obs.ChannelID())
	if channelID == "" {
		return fmt.Errorf("register observer: empty channel id")
	}
	o.mu.Lock()
	o.observers[channelID] = obs
	o.mu.Unlock()
	return nil
}

// UnregisterObserver removes the receiver of a channel.
func (o *Orchestrator) UnregisterObserver(channelID string) {
	o.mu.Lock()
	delete(o.observers, channelID)
	o.mu.Unlock()
}

// AddObserver subscribes another channel to a non-terminal task's result.
func (o *Orchestrator) AddObserver(taskID, channelID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	lt, ok := o.live[taskID]
	if !ok {
		return fmt.Errorf("%w: %s is not live", task.ErrNotFound, taskID)
	}
	lt.task.Observers = appendUnique(lt.task.Observers, channelID)
	return nil
}

// deliver sends the terminal response to every observer of t in
// registration order. It runs once per task, from the goroutine that made
// the terminal transition.
func (o *Orchestrator) deliver(t *task.Task) {
	o.deliveries.Add(1)
	async.Go(o.logger, "deliver:"+t.ID, func() {
		defer o.deliveries.Done()
		for _, channelID := range t.Observers {
			o.mu.Lock()
			obs, ok := o.observers[channelID]
			o.mu.Unlock()
			if !ok {
				o.logger.Debug("task %s: no observer registered for %s", t.ID, channelID)
				continue
			}
			o.deliverTo(obs, task.ResponseFor(t, channelID))
		}
	})
}

// deliverTo retries a delivery up to the configured attempts.
func (o *Orchestrator) deliverTo(obs task.Observer, resp task.Response) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.DeliveryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		lastErr = obs.Deliver(ctx, resp)
		cancel()
		if lastErr == nil {
			return
		}
		o.logger.Warn("task %s: delivery to %s failed (attempt %d/%d): %v",
			resp.TaskID, resp.ChannelID, attempt, o.cfg.DeliveryAttempts, lastErr)
		if attempt < o.cfg.DeliveryAttempts {
			time.Sleep(o.cfg.DeliveryBackoff * time.Duration(attempt))
		}
	}
	o.record(context.Background(), audit.Event{
		Kind:      audit.KindDeliveryFailed,
		TaskID:    resp.TaskID,
		SessionID: resp.SessionID,
		Message:   lastErr.Error(),
		Fields: map[string]string{
			"channel":  resp.ChannelID,
			"attempts": strconv.Itoa(o.cfg.DeliveryAttempts),
		},
	})
}

// onEvict archives a task dropped from retention and forgets its tool
// history. It runs under the registry lock, so the work happens elsewhere.
func (o *Orchestrator) onEvict(taskID string, t *task.Task) {
	archive := o.archive
	history := o.history
	if archive == nil && history == nil {
		return
	}
	async.Go(o.logger, "archive:"+taskID, func() {
		if history != nil {
			history.ForgetTask(taskID)
		}
		if archive == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		if err := archive.ArchiveTask(ctx, t); err != nil {
			o.logger.Error("task %s: archive failed: %v", taskID, err)
		}
	})
}

func sortByCreation(tasks []*task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
