package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aetheriq/flowcore/common/models"
)

// Compile-time checks that both backends satisfy the store contracts.
var (
	_ RunStore           = (*RunRepository)(nil)
	_ RunStore           = (*MemoryRunStore)(nil)
	_ NodeExecutionStore = (*NodeExecutionRepository)(nil)
	_ NodeExecutionStore = (*MemoryNodeExecutionStore)(nil)
	_ WorkflowStore      = (*WorkflowRepository)(nil)
	_ WorkflowStore      = (*MemoryWorkflowStore)(nil)
)

// MemoryRunStore is an in-process RunStore for tests and single-node
// setups. It keeps the same contract as the Postgres store: conditional
// insert, guarded transitions, first terminal outcome wins.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemoryRunStore creates an in-memory run store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*models.Run)}
}

// Insert creates the run unless its runId already exists
func (s *MemoryRunStore) Insert(ctx context.Context, run *models.Run) (bool, *models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[run.RunID]; ok {
		c := *existing
		return false, &c, nil
	}
	c := *run
	s.runs[run.RunID] = &c
	return true, nil, nil
}

// Get retrieves a run by its ID
func (s *MemoryRunStore) Get(ctx context.Context, runID string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *run
	return &c, nil
}

// TransitionStatus moves the run between statuses under the same guard as
// the SQL store
func (s *MemoryRunStore) TransitionStatus(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if run.Status == f {
			run.Status = to
			run.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

// Finish records the terminal outcome unless one is already recorded
func (s *MemoryRunStore) Finish(ctx context.Context, runID string, status models.RunStatus, runErr *models.RunError, finishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok || run.Status.Terminal() {
		return false, nil
	}
	run.Status = status
	run.Error = runErr
	run.FinishedAt = &finishedAt
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListByTenant retrieves recent runs for a tenant
func (s *MemoryRunStore) ListByTenant(ctx context.Context, tenantID string, status models.RunStatus, limit int) ([]*models.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.RunSummary
	for _, run := range s.runs {
		if run.TenantID != tenantID {
			continue
		}
		if status != "" && run.Status != status {
			continue
		}
		sum := run.Summary()
		out = append(out, &sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListStaleQueued finds runs still QUEUED since before olderThan
func (s *MemoryRunStore) ListStaleQueued(ctx context.Context, olderThan time.Time, limit int) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Run
	for _, run := range s.runs {
		if run.Status == models.RunStatusQueued && run.CreatedAt.Before(olderThan) {
			c := *run
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpired removes runs past their retention deadline
func (s *MemoryRunStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, run := range s.runs {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if !run.RetentionDeadline.After(before) {
			delete(s.runs, id)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryNodeExecutionStore is an in-process NodeExecutionStore
type MemoryNodeExecutionStore struct {
	mu      sync.RWMutex
	records map[string]*models.NodeExecution
}

// NewMemoryNodeExecutionStore creates an in-memory node execution store
func NewMemoryNodeExecutionStore() *MemoryNodeExecutionStore {
	return &MemoryNodeExecutionStore{records: make(map[string]*models.NodeExecution)}
}

func nodeKey(runID, nodeID string) string {
	return runID + "/" + nodeID
}

// StartAttempt creates or refreshes the record to RUNNING for a new attempt
func (s *MemoryNodeExecutionStore) StartAttempt(ctx context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := nodeKey(ne.RunID, ne.NodeID)
	if existing, ok := s.records[key]; ok {
		existing.Status = models.NodeStatusRunning
		existing.Input = ne.Input
		if ne.RetryCount > existing.RetryCount {
			existing.RetryCount = ne.RetryCount
		}
		existing.StartedAt = ne.StartedAt
		existing.Error = nil
		existing.UpdatedAt = now
		return nil
	}

	c := *ne
	c.Status = models.NodeStatusRunning
	c.CreatedAt = now
	c.UpdatedAt = now
	s.records[key] = &c
	return nil
}

// Finish records the attempt outcome
func (s *MemoryNodeExecutionStore) Finish(ctx context.Context, ne *models.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[nodeKey(ne.RunID, ne.NodeID)]
	if !ok {
		return nil
	}
	existing.Status = ne.Status
	existing.Output = ne.Output
	existing.Error = ne.Error
	existing.ExecutionTimeMs = ne.ExecutionTimeMs
	existing.ResourceUsage = ne.ResourceUsage
	existing.FinishedAt = ne.FinishedAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkRetrying atomically increments the retry counter
func (s *MemoryNodeExecutionStore) MarkRetrying(ctx context.Context, runID, nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[nodeKey(runID, nodeID)]
	if !ok {
		return 0, ErrNotFound
	}
	existing.RetryCount++
	existing.Status = models.NodeStatusRetrying
	existing.UpdatedAt = time.Now().UTC()
	return existing.RetryCount, nil
}

// MarkSkipped records a node traversal never reached
func (s *MemoryNodeExecutionStore) MarkSkipped(ctx context.Context, runID, nodeID string, nodeType models.NodeType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nodeKey(runID, nodeID)
	if _, ok := s.records[key]; ok {
		return nil
	}
	now := time.Now().UTC()
	s.records[key] = &models.NodeExecution{
		RunID:      runID,
		NodeID:     nodeID,
		NodeType:   nodeType,
		Status:     models.NodeStatusSkipped,
		FinishedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return nil
}

// Get retrieves one node execution record
func (s *MemoryNodeExecutionStore) Get(ctx context.Context, runID, nodeID string) (*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.records[nodeKey(runID, nodeID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *existing
	return &c, nil
}

// ListByRun retrieves all node records for a run, oldest first
func (s *MemoryNodeExecutionStore) ListByRun(ctx context.Context, runID string) ([]*models.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.NodeExecution
	for _, ne := range s.records {
		if ne.RunID == runID {
			c := *ne
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteExpired removes records not touched since before
func (s *MemoryNodeExecutionStore) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key, ne := range s.records {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if !ne.UpdatedAt.After(before) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// MemoryWorkflowStore is an in-process WorkflowStore
type MemoryWorkflowStore struct {
	mu       sync.RWMutex
	versions map[string][]*models.WorkflowGraph
}

// NewMemoryWorkflowStore creates an in-memory workflow store
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{versions: make(map[string][]*models.WorkflowGraph)}
}

func workflowKey(tenantID, workflowID string) string {
	return tenantID + "/" + workflowID
}

// Get loads a specific version, or the latest active one when version is zero
func (s *MemoryWorkflowStore) Get(ctx context.Context, tenantID, workflowID string, version int) (*models.WorkflowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.versions[workflowKey(tenantID, workflowID)]
	if version > 0 {
		for _, g := range versions {
			if g.Version == version {
				c := *g
				return &c, nil
			}
		}
		return nil, ErrNotFound
	}

	var latest *models.WorkflowGraph
	for _, g := range versions {
		if g.Active && (latest == nil || g.Version > latest.Version) {
			latest = g
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

// Save stores the graph as the next version and marks it active
func (s *MemoryWorkflowStore) Save(ctx context.Context, g *models.WorkflowGraph) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workflowKey(g.TenantID, g.WorkflowID)
	next := 1
	for _, v := range s.versions[key] {
		if v.Version >= next {
			next = v.Version + 1
		}
		v.Active = false
	}

	now := time.Now().UTC()
	c := *g
	c.Version = next
	c.Active = true
	c.CreatedAt = now
	c.UpdatedAt = now
	s.versions[key] = append(s.versions[key], &c)

	g.Version = next
	g.Active = true
	g.CreatedAt = now
	g.UpdatedAt = now
	return next, nil
}

// List retrieves the latest active definitions for a tenant
func (s *MemoryWorkflowStore) List(ctx context.Context, tenantID string, limit int) ([]*models.WorkflowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WorkflowGraph
	for key, versions := range s.versions {
		if !strings.HasPrefix(key, tenantID+"/") {
			continue
		}
		for _, g := range versions {
			if g.Active {
				c := *g
				out = append(out, &c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
