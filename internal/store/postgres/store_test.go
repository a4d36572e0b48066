package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/homeport-sh/homeport/internal/migrate"
	"github.com/homeport-sh/homeport/internal/models"
	"github.com/homeport-sh/homeport/internal/store"
)

// newTestStore connects to the database named by TEST_DATABASE_URL and runs
// the migrations. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	runner, err := migrate.New(dsn, logger)
	if err != nil {
		t.Fatalf("configuring migrations: %v", err)
	}
	defer runner.Close()
	if err := runner.Up(context.Background()); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}

	st, err := NewPostgresStore(DefaultConfig(dsn), logger)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testDeployment() *models.Deployment {
	return &models.Deployment{
		ID:         uuid.New().String(),
		TemplateID: "tpl-nextcloud",
		AppName:    fmt.Sprintf("nextcloud-%d", time.Now().UnixNano()),
		Category:   "storage",
		Status:     models.DeploymentStatusPending,
		TotalSteps: 5,
		Variables:  map[string]any{"TZ": "UTC"},
	}
}

func TestPostgresDeploymentRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	d := testDeployment()
	if err := st.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Deployments().Create(ctx, d); !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("duplicate Create = %v, want ErrDuplicateKey", err)
	}

	got, err := st.Deployments().Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AppName != d.AppName || got.Status != models.DeploymentStatusPending {
		t.Errorf("got = %+v", got)
	}
	if got.Variables["TZ"] != "UTC" {
		t.Errorf("variables = %v", got.Variables)
	}

	got.Status = models.DeploymentStatusQueued
	if err := st.Deployments().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := st.Deployments().Get(ctx, uuid.New().String()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresUpdateWhereStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	d := testDeployment()
	if err := st.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d.Status = models.DeploymentStatusQueued
	err := st.Deployments().UpdateWhereStatus(ctx, d, []models.DeploymentStatus{models.DeploymentStatusPending})
	if err != nil {
		t.Fatalf("UpdateWhereStatus: %v", err)
	}

	d.Status = models.DeploymentStatusRunning
	err = st.Deployments().UpdateWhereStatus(ctx, d, []models.DeploymentStatus{models.DeploymentStatusPending})
	if !errors.Is(err, store.ErrStatusConflict) {
		t.Errorf("guard miss = %v, want ErrStatusConflict", err)
	}

	missing := testDeployment()
	err = st.Deployments().UpdateWhereStatus(ctx, missing, []models.DeploymentStatus{models.DeploymentStatusPending})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing record = %v, want ErrNotFound", err)
	}
}

func TestPostgresDeploymentLogs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	d := testDeployment()
	if err := st.Deployments().Create(ctx, d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, msg := range []string{"one", "two", "three"} {
		err := st.DeploymentLogs().Append(ctx, &models.DeploymentLogEntry{
			DeploymentID: d.ID,
			Level:        models.LogLevelInfo,
			Message:      msg,
			Timestamp:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := st.DeploymentLogs().List(ctx, d.ID, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List len = %d", len(entries))
	}

	tail, err := st.DeploymentLogs().ListAfter(ctx, d.ID, entries[0].ID, 0)
	if err != nil {
		t.Fatalf("ListAfter: %v", err)
	}
	if len(tail) != 2 || tail[0].Message != "two" {
		t.Errorf("ListAfter = %+v", tail)
	}
}

func TestPostgresTemplates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tpl := &models.Template{
		ID:         uuid.New().String(),
		Name:       "Nextcloud",
		Category:   "storage",
		Image:      "nextcloud:latest",
		TotalSteps: 5,
		Ports:      map[int]int{8080: 80},
		Variables:  []models.VariableSpec{{Name: "TZ", Default: "UTC"}},
	}
	if err := st.Templates().Create(ctx, tpl); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Templates().Get(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ports[8080] != 80 {
		t.Errorf("ports = %v", got.Ports)
	}
	if len(got.Variables) != 1 || got.Variables[0].Default != "UTC" {
		t.Errorf("variables = %+v", got.Variables)
	}

	if err := st.Templates().Delete(ctx, tpl.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Templates().Get(ctx, tpl.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
}
