package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

func newDeploymentRepo(t *testing.T) (*DeploymentRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewDeploymentRepository(db), mock
}

var deploymentCols = []string{
	"id", "instance_id", "template_id", "template_version_id", "template_type",
	"status", "progress", "backup_skipped", "started_at", "created_at", "updated_at",
}

var logCols = []string{"id", "deployment_id", "level", "step", "message", "details", "created_at"}

func sampleDeploymentRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows(deploymentCols).
		AddRow("dep-1", "inst-1", "tmpl-1", "v1", "industry", status, 0, false, time.Now(), time.Now(), time.Now())
}

// ---------------------------------------------------------------------------
// CreateDeployment / GetDeployment
// ---------------------------------------------------------------------------

func TestCreateDeployment_Success(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectExec("INSERT INTO deployments").WillReturnResult(sqlmock.NewResult(0, 1))

	d := &models.Deployment{InstanceID: "inst-1", TemplateID: "tmpl-1", TemplateVersionID: "v1", Status: models.DeploymentStatusPending}
	if err := repo.CreateDeployment(context.Background(), d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID == "" || d.StartedAt.IsZero() {
		t.Errorf("expected ID and StartedAt to be set: %+v", d)
	}
}

func TestGetDeployment_Found(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("SELECT.*FROM deployments WHERE id").
		WithArgs("dep-1").
		WillReturnRows(sampleDeploymentRow("in_progress"))

	d, err := repo.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d == nil || d.Status != models.DeploymentStatusInProgress {
		t.Fatalf("unexpected deployment: %+v", d)
	}
}

func TestGetDeployment_NotFound(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("SELECT.*FROM deployments WHERE id").
		WillReturnRows(sqlmock.NewRows(deploymentCols))

	d, err := repo.GetDeployment(context.Background(), "missing")
	if err != nil || d != nil {
		t.Errorf("GetDeployment() = %v, %v; want nil, nil", d, err)
	}
}

// ---------------------------------------------------------------------------
// UpdateStatus
// ---------------------------------------------------------------------------

func TestUpdateDeploymentStatus_Guarded(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectExec("UPDATE deployments SET.*WHERE id = \\$1 AND status = \\$2").
		WithArgs("dep-1", models.DeploymentStatusPending, models.DeploymentStatusInProgress,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), "dep-1", StatusUpdate{
		From: models.DeploymentStatusPending,
		To:   models.DeploymentStatusInProgress,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateDeploymentStatus_Conflict(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectExec("UPDATE deployments SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "dep-1", StatusUpdate{
		From: models.DeploymentStatusInProgress,
		To:   models.DeploymentStatusSuccess,
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("err = %v, want ErrStatusConflict", err)
	}
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

func TestAppendLog_ReturnsID(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("INSERT INTO deployment_logs.*RETURNING id, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), time.Now()))

	entry := &models.DeploymentLog{DeploymentID: "dep-1", Level: models.LogLevelInfo, Message: "starting"}
	if err := repo.AppendLog(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != 42 {
		t.Errorf("ID = %d, want 42", entry.ID)
	}
}

func TestListLogs_LevelAndLimit(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("SELECT \\* FROM \\(SELECT.*FROM deployment_logs WHERE deployment_id = \\$1 AND level = \\$2 ORDER BY id DESC LIMIT \\$3\\) recent ORDER BY id ASC").
		WithArgs("dep-1", models.LogLevelError, 10).
		WillReturnRows(sqlmock.NewRows(logCols).
			AddRow(int64(3), "dep-1", "error", "modules", "install failed", []byte(`{}`), time.Now()).
			AddRow(int64(7), "dep-1", "error", "workflows", "write failed", []byte(`{"id":12}`), time.Now()))

	logs, err := repo.ListLogs(context.Background(), "dep-1", models.LogLevelError, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 2 || logs[0].ID != 3 || logs[1].ID != 7 {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestListLogs_NoFilter(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("SELECT.*FROM deployment_logs WHERE deployment_id = \\$1 ORDER BY id ASC").
		WithArgs("dep-1").
		WillReturnRows(sqlmock.NewRows(logCols))

	if _, err := repo.ListLogs(context.Background(), "dep-1", "", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ListStale
// ---------------------------------------------------------------------------

func TestListStale(t *testing.T) {
	repo, mock := newDeploymentRepo(t)
	mock.ExpectQuery("SELECT.*FROM deployments.*status IN").
		WillReturnRows(sampleDeploymentRow("in_progress"))

	list, err := repo.ListStale(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}
}
