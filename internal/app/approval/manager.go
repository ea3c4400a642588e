// Package approval tracks human approval requests gating tool invocations.
// Each request resolves exactly once, by approval, rejection or expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"taskplane/internal/domain/audit"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/logging"
	id "taskplane/internal/shared/utils/id"
)

// DefaultTTL is how long a request stays open before expiring.
const DefaultTTL = 300 * time.Second

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAccessDenied    = errors.New("ACCESS_DENIED: user does not own the session")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrAlreadyPending  = errors.New("invocation already has an open approval request")
)

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func defaultAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Listener observes approval lifecycle events.
type Listener interface {
	ApprovalRequested(req *tool.ApprovalRequest)
	ApprovalResolved(req *tool.ApprovalRequest)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnRequested func(req *tool.ApprovalRequest)
	OnResolved  func(req *tool.ApprovalRequest)
}

func (l ListenerFuncs) ApprovalRequested(req *tool.ApprovalRequest) {
	if l.OnRequested != nil {
		l.OnRequested(req)
	}
}

func (l ListenerFuncs) ApprovalResolved(req *tool.ApprovalRequest) {
	if l.OnResolved != nil {
		l.OnResolved(req)
	}
}

// CreateParams describes the invocation needing a decision.
type CreateParams struct {
	InvocationID string
	ToolID       string
	TaskID       string
	SessionID    string
	OwnerUserID  string
	Kind         tool.ApprovalKind
	Summary      string
	Input        map[string]any
	// TTL overrides the manager default when positive.
	TTL time.Duration
}

type entry struct {
	req    *tool.ApprovalRequest
	future *Future
	timer  Timer
}

// Manager owns all approval requests of the process.
type Manager struct {
	mu           sync.Mutex
	requests     map[string]*entry
	byInvocation map[string]string

	listenersMu sync.RWMutex
	listeners   []Listener

	ttl       time.Duration
	now       func() time.Time
	afterFunc AfterFunc
	sink      audit.Sink
	logger    logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the default request lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAfterFunc injects the expiry scheduler.
func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.afterFunc = fn
		}
	}
}

// WithSink records approval events to an audit sink.
func WithSink(sink audit.Sink) Option {
	return func(m *Manager) { m.sink = audit.OrNop(sink) }
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

// NewManager creates an approval manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		requests:     make(map[string]*entry),
		byInvocation: make(map[string]string),
		ttl:          DefaultTTL,
		now:          time.Now,
		afterFunc:    defaultAfterFunc,
		sink:         audit.NopSink(),
		logger:       logging.NewComponentLogger("approval"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers a lifecycle listener.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// TTL returns the default request lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Create opens a request for an invocation and returns its future.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*tool.ApprovalRequest, *Future, error) {
	if strings.TrimSpace(params.InvocationID) == "" {
		return nil, nil, fmt.Errorf("create approval: invocation id required")
	}
	ttl := m.ttl
	if params.TTL > 0 {
		ttl = params.TTL
	}
	kind := params.Kind
	if kind == "" {
		kind = tool.ApprovalKindTool
	}
	createdAt := m.now()
	req := &tool.ApprovalRequest{
		ID:           id.NewApprovalID(),
		InvocationID: params.InvocationID,
		ToolID:       params.ToolID,
		TaskID:       params.TaskID,
		SessionID:    params.SessionID,
		OwnerUserID:  params.OwnerUserID,
		Kind:         kind,
		Summary:      params.Summary,
		Input:        params.Input,
		Status:       tool.ApprovalPending,
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(ttl),
	}
	e := &entry{req: req, future: newFuture()}

	m.mu.Lock()
	if existing, ok := m.byInvocation[params.InvocationID]; ok {
		m.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyPending, existing)
	}
	m.requests[req.ID] = e
	m.byInvocation[req.InvocationID] = req.ID
	requestID := req.ID
	e.timer = m.afterFunc(ttl, func() { m.expire(requestID) })
	snapshot := req.Clone()
	m.mu.Unlock()

	m.logger.Info("approval %s requested for tool %s (invocation %s, expires %s)",
		req.ID, req.ToolID, req.InvocationID, req.ExpiresAt.Format(time.RFC3339))
	m.record(ctx, audit.KindApprovalRequested, snapshot, "")
	m.notify(func(l Listener) { l.ApprovalRequested(snapshot.Clone()) })
	return snapshot, e.future, nil
}

// HandleResponse applies a user's decision. Only the session owner may
// decide; sessions without an owner accept any identified user.
func (m *Manager) HandleResponse(ctx context.Context, requestID string, approved bool, userID string) (*tool.ApprovalRequest, error) {
	m.mu.Lock()
	e, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if !authorized(e.req, userID) {
		m.mu.Unlock()
		m.logger.Warn("approval %s: user %q denied (owner %q)", requestID, userID, e.req.OwnerUserID)
		return nil, ErrAccessDenied
	}
	status := tool.ApprovalRejected
	reason := "rejected by user"
	if approved {
		status = tool.ApprovalApproved
		reason = "approved by user"
	}
	snapshot, err := m.resolveLocked(e, status, userID, reason)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.finish(ctx, e, snapshot)
	return snapshot.Clone(), nil
}

// Cancel resolves an open request as rejected without a user decision.
func (m *Manager) Cancel(requestID, reason string) bool {
	m.mu.Lock()
	e, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	snapshot, err := m.resolveLocked(e, tool.ApprovalRejected, "", reason)
	m.mu.Unlock()
	if err != nil {
		return false
	}
	m.finish(context.Background(), e, snapshot)
	return true
}

// CancelTask rejects every open request belonging to a task and returns how
// many were released.
func (m *Manager) CancelTask(taskID, reason string) int {
	if taskID == "" {
		return 0
	}
	m.mu.Lock()
	var ids []string
	for requestID, e := range m.requests {
		if e.req.TaskID == taskID && e.req.Status == tool.ApprovalPending {
			ids = append(ids, requestID)
		}
	}
	m.mu.Unlock()

	released := 0
	for _, requestID := range ids {
		if m.Cancel(requestID, reason) {
			released++
		}
	}
	return released
}

// Get returns a snapshot of a request.
func (m *Manager) Get(requestID string) (*tool.ApprovalRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.requests[requestID]
	if !ok {
		return nil, false
	}
	return e.req.Clone(), true
}

// ListPending returns open requests, optionally filtered by session, oldest first.
func (m *Manager) ListPending(sessionID string) []*tool.ApprovalRequest {
	m.mu.Lock()
	out := make([]*tool.ApprovalRequest, 0, len(m.byInvocation))
	for _, e := range m.requests {
		if e.req.Status != tool.ApprovalPending {
			continue
		}
		if sessionID != "" && e.req.SessionID != sessionID {
			continue
		}
		out = append(out, e.req.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Forget drops requests resolved before cutoff.
func (m *Manager) Forget(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for requestID, e := range m.requests {
		if !e.req.Status.IsResolved() || e.req.ResolvedAt == nil {
			continue
		}
		if e.req.ResolvedAt.Before(cutoff) {
			delete(m.requests, requestID)
			removed++
		}
	}
	return removed
}

func (m *Manager) expire(requestID string) {
	m.mu.Lock()
	e, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot, err := m.resolveLocked(e, tool.ApprovalExpired, "", "approval timed out")
	m.mu.Unlock()
	if err != nil {
		return
	}
	m.logger.Warn("approval %s for tool %s expired", requestID, snapshot.ToolID)
	m.finish(context.Background(), e, snapshot)
}

func (m *Manager) resolveLocked(e *entry, status tool.ApprovalStatus, userID, reason string) (*tool.ApprovalRequest, error) {
	if e.req.Status.IsResolved() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, e.req.ID, e.req.Status)
	}
	resolvedAt := m.now()
	e.req.Status = status
	e.req.ResolvedAt = &resolvedAt
	e.req.ResolvedBy = userID
	e.req.Reason = reason
	delete(m.byInvocation, e.req.InvocationID)
	if e.timer != nil {
		e.timer.Stop()
	}
	return e.req.Clone(), nil
}

func (m *Manager) finish(ctx context.Context, e *entry, snapshot *tool.ApprovalRequest) {
	e.future.resolve(snapshot)
	m.record(ctx, audit.KindApprovalResolved, snapshot, snapshot.Reason)
	m.notify(func(l Listener) { l.ApprovalResolved(snapshot.Clone()) })
}

func (m *Manager) record(ctx context.Context, kind audit.Kind, req *tool.ApprovalRequest, message string) {
	event := audit.Event{
		Kind:      kind,
		TaskID:    req.TaskID,
		SessionID: req.SessionID,
		ToolID:    req.ToolID,
		Message:   message,
		Fields: map[string]string{
			"approval_id":   req.ID,
			"invocation_id": req.InvocationID,
			"kind":          string(req.Kind),
			"status":        string(req.Status),
		},
		Timestamp: m.now(),
	}
	if err := m.sink.Append(ctx, event); err != nil {
		m.logger.Warn("approval %s: audit append failed: %v", req.ID, err)
	}
}

func (m *Manager) notify(fn func(Listener)) {
	m.listenersMu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

func authorized(req *tool.ApprovalRequest, userID string) bool {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false
	}
	if req.OwnerUserID == "" {
		return true
	}
	return req.OwnerUserID == userID
}
