package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

func TestDeploymentCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &models.Deployment{
		ID:         "dep-1",
		TemplateID: "tpl-1",
		AppName:    "nextcloud",
		Status:     models.DeploymentStatusPending,
		TotalSteps: 5,
	}
	if err := s.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Deployments().Create(ctx, d); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateKey", err)
	}

	got, err := s.Deployments().Get(ctx, "dep-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AppName != "nextcloud" {
		t.Errorf("AppName = %s", got.AppName)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on create")
	}

	if _, err := s.Deployments().Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}

	got.Status = models.DeploymentStatusQueued
	if err := s.Deployments().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ = s.Deployments().Get(ctx, "dep-1")
	if got.Status != models.DeploymentStatusQueued {
		t.Errorf("status after update = %s", got.Status)
	}

	if err := s.Deployments().Update(ctx, &models.Deployment{ID: "missing"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
}

func TestDeploymentCopyIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &models.Deployment{ID: "dep-1", Status: models.DeploymentStatusPending, Variables: map[string]any{"PORT": "80"}}
	if err := s.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating what callers hold must not leak into the store.
	d.Status = models.DeploymentStatusFailed
	got, _ := s.Deployments().Get(ctx, "dep-1")
	if got.Status != models.DeploymentStatusPending {
		t.Errorf("stored status mutated to %s", got.Status)
	}

	got.Variables["PORT"] = "9999"
	again, _ := s.Deployments().Get(ctx, "dep-1")
	if again.Variables["PORT"] != "80" {
		t.Errorf("stored variables mutated: %v", again.Variables)
	}
}

func TestUpdateWhereStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &models.Deployment{ID: "dep-1", Status: models.DeploymentStatusPending}
	if err := s.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d.Status = models.DeploymentStatusQueued
	err := s.Deployments().UpdateWhereStatus(ctx, d, []models.DeploymentStatus{models.DeploymentStatusPending})
	if err != nil {
		t.Fatalf("UpdateWhereStatus: %v", err)
	}

	// Guard no longer matches: the record is queued now.
	d.Status = models.DeploymentStatusRunning
	err = s.Deployments().UpdateWhereStatus(ctx, d, []models.DeploymentStatus{models.DeploymentStatusPending})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Errorf("guard miss = %v, want ErrStatusConflict", err)
	}

	err = s.Deployments().UpdateWhereStatus(ctx, &models.Deployment{ID: "missing"}, []models.DeploymentStatus{models.DeploymentStatusPending})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing record = %v, want ErrNotFound", err)
	}
}

func TestDeploymentLists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []*models.Deployment{
		{ID: "dep-1", Status: models.DeploymentStatusCompleted, CreatedAt: base, UpdatedAt: base},
		{ID: "dep-2", Status: models.DeploymentStatusRunning, CreatedAt: base.Add(time.Minute), UpdatedAt: base},
		{ID: "dep-3", Status: models.DeploymentStatusFailed, CreatedAt: base.Add(2 * time.Minute), UpdatedAt: base},
		{ID: "dep-4", Status: models.DeploymentStatusRunning, CreatedAt: base.Add(3 * time.Minute), UpdatedAt: base},
	}
	for _, d := range seed {
		if err := s.Deployments().Create(ctx, d); err != nil {
			t.Fatalf("Create %s: %v", d.ID, err)
		}
	}

	all, err := s.Deployments().List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("List len = %d, want 4", len(all))
	}
	// Newest first.
	if all[0].ID != "dep-4" || all[3].ID != "dep-1" {
		t.Errorf("List order = %s..%s", all[0].ID, all[3].ID)
	}

	limited, _ := s.Deployments().List(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("List(2) len = %d", len(limited))
	}

	running, err := s.Deployments().ListByStatus(ctx, models.DeploymentStatusRunning)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(running) != 2 || running[0].ID != "dep-2" || running[1].ID != "dep-4" {
		t.Errorf("ListByStatus = %+v", ids(running))
	}

	active, err := s.Deployments().ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ListActive = %v", ids(active))
	}
	for _, d := range active {
		if d.Status.IsTerminal() {
			t.Errorf("terminal deployment %s in active list", d.ID)
		}
	}
}

func ids(ds []*models.Deployment) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}

func TestDeploymentLogs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three"} {
		err := s.DeploymentLogs().Append(ctx, &models.DeploymentLogEntry{
			DeploymentID: "dep-1",
			Level:        models.LogLevelInfo,
			Message:      msg,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := s.DeploymentLogs().List(ctx, "dep-1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List len = %d", len(entries))
	}
	if entries[0].ID >= entries[1].ID || entries[1].ID >= entries[2].ID {
		t.Error("log IDs not ascending")
	}

	limited, _ := s.DeploymentLogs().List(ctx, "dep-1", 2)
	if len(limited) != 2 {
		t.Errorf("List(2) len = %d", len(limited))
	}

	tail, err := s.DeploymentLogs().ListAfter(ctx, "dep-1", entries[1].ID, 0)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(tail) != 1 || tail[0].Message != "three" {
		t.Errorf("ListAfter = %+v", tail)
	}
}

func TestTemplateCRUD(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tpl := &models.Template{ID: "tpl-1", Name: "Nextcloud", Category: "storage", Image: "nextcloud:latest", TotalSteps: 5}
	if err := s.Templates().Create(ctx, tpl); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Templates().Create(ctx, tpl); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateKey", err)
	}

	got, err := s.Templates().Get(ctx, "tpl-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Nextcloud" {
		t.Errorf("Name = %s", got.Name)
	}

	got.Name = "Nextcloud Hub"
	if err := s.Templates().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := s.Templates().Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v", n, err)
	}

	if err := s.Templates().Delete(ctx, "tpl-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Templates().Delete(ctx, "tpl-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestTemplateListOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, tpl := range []*models.Template{
		{ID: "c", Name: "Vaultwarden", Category: "security", Image: "i"},
		{ID: "a", Name: "Nextcloud", Category: "storage", Image: "i"},
		{ID: "b", Name: "Jellyfin", Category: "media", Image: "i"},
		{ID: "d", Name: "Syncthing", Category: "storage", Image: "i"},
	} {
		if err := s.Templates().Create(ctx, tpl); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := s.Templates().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"Jellyfin", "Vaultwarden", "Nextcloud", "Syncthing"}
	for i, tpl := range all {
		if tpl.Name != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, tpl.Name, want[i])
		}
	}

	storage, err := s.Templates().ListByCategory(ctx, "storage")
	if err != nil {
		t.Fatalf("ListByCategory: %v", err)
	}
	if len(storage) != 2 || storage[0].Name != "Nextcloud" || storage[1].Name != "Syncthing" {
		t.Errorf("ListByCategory = %+v", storage)
	}
}
