// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	servers    map[string]*Server
	apiKeys    map[string]*APIKey // keyed by key ID
	metrics    map[string][]*MetricRecord
	thresholds map[string][]*AlertThreshold
	alerts     map[string]*Alert // keyed by alert ID
	events     map[string][]*ConnectionEvent
	commands   map[string]*CommandHistory
	logs       map[string][]*LogEntry
	audit      []AuditEntry

	// Injected failures, returned by the matching operation when set.
	SaveMetricErr      error
	MarkOnlineErr      error
	ListThresholdsErr  error
	AppendEventErr     error
	CreateAlertErr     error
	AppendLogEntryErr  error
	AppendAuditLogErr  error
	CreateCommandErr   error
	FinishCommandErr   error
	ListOpenAlertsErr  error
	PingErr            error
	createAlertCalls   int
	listOpenAlertCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		servers:    make(map[string]*Server),
		apiKeys:    make(map[string]*APIKey),
		metrics:    make(map[string][]*MetricRecord),
		thresholds: make(map[string][]*AlertThreshold),
		alerts:     make(map[string]*Alert),
		events:     make(map[string][]*ConnectionEvent),
		commands:   make(map[string]*CommandHistory),
		logs:       make(map[string][]*LogEntry),
	}
}

// CreateServer stores a new server.
func (m *MockStore) CreateServer(ctx context.Context, srv *Server) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if srv.ID == "" {
		srv.ID = uuid.New().String()
	}
	if srv.Status == "" {
		srv.Status = ServerStatusUnknown
	}
	if srv.CreatedAt.IsZero() {
		srv.CreatedAt = time.Now().UTC()
	}
	s := *srv
	m.servers[s.ID] = &s
	return nil
}

// GetServer retrieves a server by ID.
func (m *MockStore) GetServer(ctx context.Context, id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// GetServerForOwner retrieves a server only if ownerID owns it.
func (m *MockStore) GetServerForOwner(ctx context.Context, id, ownerID string) (*Server, error) {
	s, err := m.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return s, nil
}

// ListServers returns all servers ordered by name.
func (m *MockStore) ListServers(ctx context.Context) ([]*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Server, 0, len(m.servers))
	for _, s := range m.servers {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MarkServerOnline sets status online and refreshes last_seen.
func (m *MockStore) MarkServerOnline(ctx context.Context, id string, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.MarkOnlineErr != nil {
		return m.MarkOnlineErr
	}
	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = ServerStatusOnline
	t := seenAt
	s.LastSeen = &t
	return nil
}

// MarkServerOffline sets status offline.
func (m *MockStore) MarkServerOffline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.servers[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = ServerStatusOffline
	return nil
}

// CreateAPIKey stores an API key.
func (m *MockStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	c := *k
	m.apiKeys[c.ID] = &c
	return nil
}

// ListAPIKeysByPrefix returns keys sharing prefix.
func (m *MockStore) ListAPIKeysByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*APIKey{}
	for _, k := range m.apiKeys {
		if k.Prefix == prefix {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

// TouchAPIKey records key usage.
func (m *MockStore) TouchAPIKey(ctx context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.apiKeys[id]
	if !ok {
		return ErrNotFound
	}
	t := usedAt
	k.LastUsed = &t
	return nil
}

// SaveMetric stores a telemetry sample.
func (m *MockStore) SaveMetric(ctx context.Context, rec *MetricRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMetricErr != nil {
		return m.SaveMetricErr
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	c := *rec
	m.metrics[c.ServerID] = append(m.metrics[c.ServerID], &c)
	return nil
}

// ListMetrics returns samples newest first.
func (m *MockStore) ListMetrics(ctx context.Context, serverID string, limit int) ([]*MetricRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.metrics[serverID]
	limit = normalizeLimit(limit)
	out := []*MetricRecord{}
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		c := *recs[i]
		out = append(out, &c)
	}
	return out, nil
}

// CreateThreshold stores a threshold.
func (m *MockStore) CreateThreshold(ctx context.Context, t *AlertThreshold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	c := *t
	m.thresholds[c.ServerID] = append(m.thresholds[c.ServerID], &c)
	return nil
}

// ListThresholds returns enabled thresholds for a server.
func (m *MockStore) ListThresholds(ctx context.Context, serverID string) ([]*AlertThreshold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ListThresholdsErr != nil {
		return nil, m.ListThresholdsErr
	}
	out := []*AlertThreshold{}
	for _, t := range m.thresholds[serverID] {
		if t.Enabled {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// CreateAlert stores an unresolved alert, enforcing one open alert per
// server and type.
func (m *MockStore) CreateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createAlertCalls++
	if m.CreateAlertErr != nil {
		return m.CreateAlertErr
	}
	for _, existing := range m.alerts {
		if existing.ServerID == a.ServerID && existing.Type == a.Type && !existing.Resolved {
			return ErrDuplicateOpenAlert
		}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	c := *a
	m.alerts[c.ID] = &c
	return nil
}

// ResolveAlert marks an alert resolved; already-resolved alerts are a no-op.
func (m *MockStore) ResolveAlert(ctx context.Context, id string, resolvedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.Resolved {
		return false, nil
	}
	a.Resolved = true
	t := resolvedAt
	a.ResolvedAt = &t
	return true, nil
}

// ListOpenAlerts returns unresolved alerts for a server.
func (m *MockStore) ListOpenAlerts(ctx context.Context, serverID string) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.listOpenAlertCalls++
	if m.ListOpenAlertsErr != nil {
		return nil, m.ListOpenAlertsErr
	}
	out := []*Alert{}
	for _, a := range m.sortedAlerts(serverID) {
		if !a.Resolved {
			out = append(out, a)
		}
	}
	return out, nil
}

// ListAlerts returns alerts for a server newest first.
func (m *MockStore) ListAlerts(ctx context.Context, serverID string, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sortedAlerts(serverID)
	limit = normalizeLimit(limit)
	out := []*Alert{}
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// sortedAlerts returns copies of a server's alerts oldest first. Caller
// holds the lock.
func (m *MockStore) sortedAlerts(serverID string) []*Alert {
	out := []*Alert{}
	for _, a := range m.alerts {
		if a.ServerID == serverID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CreateAlertCalls returns how many times CreateAlert was invoked.
func (m *MockStore) CreateAlertCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.createAlertCalls
}

// ListOpenAlertsCalls returns how many times ListOpenAlerts was invoked.
func (m *MockStore) ListOpenAlertsCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listOpenAlertCalls
}

// AppendConnectionEvent records a connection event.
func (m *MockStore) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendEventErr != nil {
		return m.AppendEventErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := *e
	m.events[c.ServerID] = append(m.events[c.ServerID], &c)
	return nil
}

// ListConnectionEvents returns events for a server newest first.
func (m *MockStore) ListConnectionEvents(ctx context.Context, serverID string, limit int) ([]*ConnectionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[serverID]
	limit = normalizeLimit(limit)
	out := []*ConnectionEvent{}
	for i := len(evs) - 1; i >= 0 && len(out) < limit; i-- {
		c := *evs[i]
		out = append(out, &c)
	}
	return out, nil
}

// CreateCommandHistory records a running command.
func (m *MockStore) CreateCommandHistory(ctx context.Context, c *CommandHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateCommandErr != nil {
		return m.CreateCommandErr
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.StartedAt.IsZero() {
		c.StartedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = CommandStatusRunning
	}
	cp := *c
	m.commands[cp.ID] = &cp
	return nil
}

// FinishCommandHistory stores the terminal state of a command.
func (m *MockStore) FinishCommandHistory(ctx context.Context, c *CommandHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FinishCommandErr != nil {
		return m.FinishCommandErr
	}
	if _, ok := m.commands[c.ID]; !ok {
		return ErrNotFound
	}
	if c.CompletedAt == nil {
		now := time.Now().UTC()
		c.CompletedAt = &now
	}
	cp := *c
	m.commands[cp.ID] = &cp
	return nil
}

// ListCommandHistory returns commands for a server newest first.
func (m *MockStore) ListCommandHistory(ctx context.Context, serverID string, limit int) ([]*CommandHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*CommandHistory{}
	for _, c := range m.commands {
		if c.ServerID == serverID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendLogEntry records a server log line.
func (m *MockStore) AppendLogEntry(ctx context.Context, e *LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendLogEntryErr != nil {
		return m.AppendLogEntryErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c := *e
	m.logs[c.ServerID] = append(m.logs[c.ServerID], &c)
	return nil
}

// ListLogEntries returns log entries for a server newest first.
func (m *MockStore) ListLogEntries(ctx context.Context, serverID string, limit int) ([]*LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.logs[serverID]
	limit = normalizeLimit(limit)
	out := []*LogEntry{}
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		c := *entries[i]
		out = append(out, &c)
	}
	return out, nil
}

// AppendAuditLog records an audit entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendAuditLogErr != nil {
		return m.AppendAuditLogErr
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns audit entries newest first, honouring the filter.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeLimit(f.Limit)
	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if f.Since != nil && e.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && e.Timestamp.After(*f.Until) {
			continue
		}
		if f.ActorPrincipalID != nil && e.ActorPrincipalID != *f.ActorPrincipalID {
			continue
		}
		if f.ServerID != nil && e.ServerID != *f.ServerID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.PingErr
}

// Inject runs f with the store locked so failure fields can be changed
// while other goroutines are using the store.
func (m *MockStore) Inject(f func(m *MockStore)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m)
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
