// Package memory provides an in-memory implementation of the store
// interfaces. It backs demo mode, where the control plane runs without a
// PostgreSQL instance, and fast tests. A single mutex guards all maps; each
// store operation holds it for the whole operation, which mirrors the
// single-row atomicity the PostgreSQL implementation gets from the database.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// MemoryStore implements store.Store with in-process maps.
type MemoryStore struct {
	mu          sync.Mutex
	deployments map[string]*models.Deployment
	logs        map[string][]*models.DeploymentLogEntry
	templates   map[string]*models.Template
	nextLogID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]*models.Deployment),
		logs:        make(map[string][]*models.DeploymentLogEntry),
		templates:   make(map[string]*models.Template),
	}
}

// Deployments returns the DeploymentStore.
func (s *MemoryStore) Deployments() store.DeploymentStore {
	return &deploymentStore{s: s}
}

// DeploymentLogs returns the DeploymentLogStore.
func (s *MemoryStore) DeploymentLogs() store.DeploymentLogStore {
	return &logStore{s: s}
}

// Templates returns the TemplateStore.
func (s *MemoryStore) Templates() store.TemplateStore {
	return &templateStore{s: s}
}

// WithTx executes fn against the same store. There is no transactional
// isolation in memory; callers get the same last-write-wins behavior the
// rest of the store provides.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// copyDeployment deep-copies a deployment through JSON so callers can never
// mutate stored state behind the store's back.
func copyDeployment(d *models.Deployment) *models.Deployment {
	raw, _ := json.Marshal(d)
	out := &models.Deployment{}
	_ = json.Unmarshal(raw, out)
	return out
}

func copyTemplate(t *models.Template) *models.Template {
	raw, _ := json.Marshal(t)
	out := &models.Template{}
	_ = json.Unmarshal(raw, out)
	return out
}

type deploymentStore struct {
	s *MemoryStore
}

func (ds *deploymentStore) Create(ctx context.Context, d *models.Deployment) error {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	if _, exists := ds.s.deployments[d.ID]; exists {
		return store.ErrDuplicateKey
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}

	ds.s.deployments[d.ID] = copyDeployment(d)
	return nil
}

func (ds *deploymentStore) Get(ctx context.Context, id string) (*models.Deployment, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	d, ok := ds.s.deployments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyDeployment(d), nil
}

func (ds *deploymentStore) List(ctx context.Context, limit int) ([]*models.Deployment, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	var out []*models.Deployment
	for _, d := range ds.s.deployments {
		out = append(out, copyDeployment(d))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ds *deploymentStore) ListByStatus(ctx context.Context, status models.DeploymentStatus) ([]*models.Deployment, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	var out []*models.Deployment
	for _, d := range ds.s.deployments {
		if d.Status == status {
			out = append(out, copyDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (ds *deploymentStore) ListActive(ctx context.Context) ([]*models.Deployment, error) {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	var out []*models.Deployment
	for _, d := range ds.s.deployments {
		if !d.Status.IsTerminal() {
			out = append(out, copyDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (ds *deploymentStore) Update(ctx context.Context, d *models.Deployment) error {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	if _, ok := ds.s.deployments[d.ID]; !ok {
		return store.ErrNotFound
	}
	d.UpdatedAt = time.Now().UTC()
	ds.s.deployments[d.ID] = copyDeployment(d)
	return nil
}

func (ds *deploymentStore) UpdateWhereStatus(ctx context.Context, d *models.Deployment, allowed []models.DeploymentStatus) error {
	ds.s.mu.Lock()
	defer ds.s.mu.Unlock()

	current, ok := ds.s.deployments[d.ID]
	if !ok {
		return store.ErrNotFound
	}

	permitted := false
	for _, st := range allowed {
		if current.Status == st {
			permitted = true
			break
		}
	}
	if !permitted {
		return store.ErrStatusConflict
	}

	d.UpdatedAt = time.Now().UTC()
	ds.s.deployments[d.ID] = copyDeployment(d)
	return nil
}

type logStore struct {
	s *MemoryStore
}

func (ls *logStore) Append(ctx context.Context, entry *models.DeploymentLogEntry) error {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	ls.s.nextLogID++
	entry.ID = ls.s.nextLogID

	stored := *entry
	ls.s.logs[entry.DeploymentID] = append(ls.s.logs[entry.DeploymentID], &stored)
	return nil
}

func (ls *logStore) List(ctx context.Context, deploymentID string, limit int) ([]*models.DeploymentLogEntry, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	entries := ls.s.logs[deploymentID]
	out := make([]*models.DeploymentLogEntry, 0, len(entries))
	for _, e := range entries {
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (ls *logStore) ListAfter(ctx context.Context, deploymentID string, afterID int64, limit int) ([]*models.DeploymentLogEntry, error) {
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()

	var out []*models.DeploymentLogEntry
	for _, e := range ls.s.logs[deploymentID] {
		if e.ID <= afterID {
			continue
		}
		copied := *e
		out = append(out, &copied)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type templateStore struct {
	s *MemoryStore
}

func (ts *templateStore) Create(ctx context.Context, t *models.Template) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	if _, exists := ts.s.templates[t.ID]; exists {
		return store.ErrDuplicateKey
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	ts.s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (ts *templateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	t, ok := ts.s.templates[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTemplate(t), nil
}

func (ts *templateStore) List(ctx context.Context) ([]*models.Template, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	var out []*models.Template
	for _, t := range ts.s.templates {
		out = append(out, copyTemplate(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (ts *templateStore) ListByCategory(ctx context.Context, category string) ([]*models.Template, error) {
	all, err := ts.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*models.Template
	for _, t := range all {
		if t.Category == category {
			out = append(out, t)
		}
	}
	return out, nil
}

func (ts *templateStore) Update(ctx context.Context, t *models.Template) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	if _, ok := ts.s.templates[t.ID]; !ok {
		return store.ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	ts.s.templates[t.ID] = copyTemplate(t)
	return nil
}

func (ts *templateStore) Delete(ctx context.Context, id string) error {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()

	if _, ok := ts.s.templates[id]; !ok {
		return store.ErrNotFound
	}
	delete(ts.s.templates, id)
	return nil
}

func (ts *templateStore) Count(ctx context.Context) (int, error) {
	ts.s.mu.Lock()
	defer ts.s.mu.Unlock()
	return len(ts.s.templates), nil
}
