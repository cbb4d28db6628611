package instances

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/config"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo/odootest"
	"github.com/odoo-orchestrator/orchestrator/internal/storage/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	reg       *Registry
	instances *memInstances
	backups   *memBackups
	dialer    *dialRecorder
	sh        *fakeOdooSh
	store     *local.LocalStorage
	cipher    *prefixCipher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	h := &harness{
		instances: newMemInstances(),
		backups:   newMemBackups(),
		dialer:    &dialRecorder{fake: odootest.New()},
		sh:        &fakeOdooSh{},
		store:     store,
		cipher:    &prefixCipher{},
	}
	h.reg = NewRegistry(h.instances, h.backups, h.cipher, h.dialer.dial, h.sh, store, cfg)
	return h
}

func strPtr(s string) *string { return &s }

func (h *harness) register(t *testing.T, method models.DeploymentMethod) *models.OdooInstance {
	t.Helper()
	req := RegisterRequest{
		CompanyID:        "co-1",
		Name:             "acme-" + string(method),
		InstanceURL:      "https://acme.example.com/",
		DatabaseName:     "acme",
		DeploymentMethod: method,
		AdminUsername:    "admin",
		AdminPassword:    "hunter2",
	}
	if method == models.DeploymentMethodOdooSh {
		req.OdooShProject, req.OdooShBranch, req.OdooShToken = strPtr("acme"), strPtr("production"), strPtr("sh-secret")
	}
	inst, err := h.reg.RegisterInstance(context.Background(), req)
	require.NoError(t, err)
	return inst
}

// ---------------------------------------------------------------------------
// Registration and credentials
// ---------------------------------------------------------------------------

func TestRegisterInstance_SealsSecrets(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)

	stored, err := h.instances.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed:hunter2", stored.AdminPasswordEncrypted)
	require.NotNil(t, stored.OdooShTokenEncrypted)
	assert.Equal(t, "sealed:sh-secret", *stored.OdooShTokenEncrypted)
	assert.Equal(t, "https://acme.example.com", stored.InstanceURL)
	assert.Equal(t, models.InstanceStatusActive, stored.Status)
}

func TestRegisterInstance_Validation(t *testing.T) {
	h := newHarness(t, Config{})
	base := RegisterRequest{
		CompanyID: "co", Name: "n", InstanceURL: "https://x.example", DatabaseName: "db",
		DeploymentMethod: models.DeploymentMethodSelfHosted, AdminUsername: "admin", AdminPassword: "pw",
	}

	tests := []struct {
		name   string
		mutate func(r *RegisterRequest)
		field  string
	}{
		{"relative url", func(r *RegisterRequest) { r.InstanceURL = "acme.example" }, "instance_url"},
		{"ftp url", func(r *RegisterRequest) { r.InstanceURL = "ftp://acme.example" }, "instance_url"},
		{"unknown method", func(r *RegisterRequest) { r.DeploymentMethod = "docker" }, "deployment_method"},
		{"odoo.sh without token", func(r *RegisterRequest) {
			r.DeploymentMethod = models.DeploymentMethodOdooSh
			r.OdooShProject, r.OdooShBranch = strPtr("p"), strPtr("b")
		}, "odoo_sh_token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := h.reg.RegisterInstance(context.Background(), req)
			var ve *apperrors.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.reg.GetInstance(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, "Instance not found", err.Error())
}

func TestCredentials_RedactedEverywhere(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)

	creds, err := h.reg.Credentials(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds.Password())
	assert.Equal(t, "sh-secret", creds.OdooShToken())

	for _, s := range []string{fmt.Sprint(creds), fmt.Sprintf("%v", creds), fmt.Sprintf("%#v", creds), creds.LogValue().String()} {
		assert.NotContains(t, s, "hunter2")
		assert.NotContains(t, s, "sh-secret")
	}
}

func TestCredentials_CorruptCiphertext(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodSelfHosted)
	inst.AdminPasswordEncrypted = "garbage"

	_, err := h.reg.Connect(context.Background(), inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decrypt")
}

func TestConnect_PassesTransportSettings(t *testing.T) {
	h := newHarness(t, Config{Timeout: 7 * time.Second, Retry: odoo.RetryConfig{MaxAttempts: 4}, BatchConcurrency: 3})
	inst := h.register(t, models.DeploymentMethodSelfHosted)

	_, err := h.reg.Connect(context.Background(), inst)
	require.NoError(t, err)
	require.Len(t, h.dialer.configs, 1)
	cfg := h.dialer.configs[0]
	assert.Equal(t, "https://acme.example.com", cfg.URL)
	assert.Equal(t, "acme", cfg.Database)
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, 7*time.Second, cfg.Timeout)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.BatchConcurrency)
}

func TestUpdateCredentials_KeepsTokenWhenNil(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)

	require.NoError(t, h.reg.UpdateCredentials(context.Background(), inst.ID, "root", "new-pw", nil))
	stored, _ := h.instances.GetInstance(context.Background(), inst.ID)
	assert.Equal(t, "root", stored.AdminUsername)
	assert.Equal(t, "sealed:new-pw", stored.AdminPasswordEncrypted)
	assert.Equal(t, "sealed:sh-secret", *stored.OdooShTokenEncrypted)

	err := h.reg.UpdateCredentials(context.Background(), "missing", "root", "pw", nil)
	assert.True(t, apperrors.IsNotFound(err))
}

// ---------------------------------------------------------------------------
// Health checks
// ---------------------------------------------------------------------------

func TestHealthCheck_Healthy(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodSelfHosted)
	require.NoError(t, h.instances.UpdateStatus(context.Background(), inst.ID, models.InstanceStatusError))

	res, err := h.reg.HealthCheck(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, "17.0", res.OdooVersion)

	stored, _ := h.instances.GetInstance(context.Background(), inst.ID)
	assert.Equal(t, models.InstanceStatusActive, stored.Status)
	assert.Equal(t, HealthHealthy, *stored.LastHealthStatus)
	assert.Equal(t, "17.0", *stored.OdooVersion)
	assert.NotNil(t, stored.LastHealthCheckAt)
}

func TestHealthCheck_AuthFailureMarksError(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.fake.AuthErr = &odoo.AuthenticationError{Database: "acme", Username: "admin"}
	inst := h.register(t, models.DeploymentMethodSelfHosted)

	res, err := h.reg.HealthCheck(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.NotEmpty(t, res.Error)

	stored, _ := h.instances.GetInstance(context.Background(), inst.ID)
	assert.Equal(t, models.InstanceStatusError, stored.Status)
	assert.Equal(t, HealthUnhealthy, *stored.LastHealthStatus)
}

func TestHealthCheck_PreservesDeployingStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.fake.FailOn("ServerVersion", "", errors.New("connection refused"))
	inst := h.register(t, models.DeploymentMethodSelfHosted)
	require.NoError(t, h.instances.UpdateStatus(context.Background(), inst.ID, models.InstanceStatusDeploying))

	res, err := h.reg.HealthCheck(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	stored, _ := h.instances.GetInstance(context.Background(), inst.ID)
	assert.Equal(t, models.InstanceStatusDeploying, stored.Status)
	assert.Equal(t, HealthUnhealthy, *stored.LastHealthStatus)
}

func TestDueForHealthCheck(t *testing.T) {
	h := newHarness(t, Config{})
	now := time.Now()
	fresh := h.register(t, models.DeploymentMethodSelfHosted)
	never := h.register(t, models.DeploymentMethodOdooSh)
	suspended := h.register(t, models.DeploymentMethodOdooCom)

	recent := now.Add(-time.Minute)
	h.instances.items[fresh.ID].LastHealthCheckAt = &recent
	h.instances.items[fresh.ID].HealthCheckInterval = 300
	h.instances.items[suspended.ID].Status = models.InstanceStatusSuspended

	due, err := h.reg.DueForHealthCheck(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, never.ID, due[0].ID)
}

// ---------------------------------------------------------------------------
// Backups
// ---------------------------------------------------------------------------

func TestCreateBackup_SelfHostedUploadsDump(t *testing.T) {
	h := newHarness(t, Config{MasterPassword: "master"})
	h.dialer.fake.Dump = []byte("PK-dump-bytes")
	inst := h.register(t, models.DeploymentMethodSelfHosted)

	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)
	assert.Equal(t, models.BackupStatusCompleted, b.Status)
	assert.Equal(t, int64(len("PK-dump-bytes")), b.SizeBytes)
	require.NotNil(t, b.StoragePath)
	assert.True(t, strings.HasPrefix(*b.StoragePath, "backups/"+inst.ID+"/"))
	require.NotNil(t, b.Checksum)
	assert.Len(t, *b.Checksum, 64)

	rc, err := h.store.Open(context.Background(), *b.StoragePath)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "PK-dump-bytes", string(stored))
	assert.Equal(t, 1, h.dialer.fake.Closed)
}

func TestCreateBackupWith_DecryptsNothing(t *testing.T) {
	tests := []struct {
		name   string
		method models.DeploymentMethod
	}{
		{"self hosted", models.DeploymentMethodSelfHosted},
		{"odoo.sh", models.DeploymentMethodOdooSh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MasterPassword: "master"})
			h.dialer.fake.Dump = []byte("snapshot")
			inst := h.register(t, tt.method)
			creds, err := h.reg.Credentials(context.Background(), inst)
			require.NoError(t, err)
			opened := h.cipher.opens.Load()

			b, err := h.reg.CreateBackupWith(context.Background(), inst, creds, models.BackupTypeAutomatic, strPtr("dep-1"))
			require.NoError(t, err)
			assert.Equal(t, models.BackupStatusCompleted, b.Status)
			assert.Equal(t, opened, h.cipher.opens.Load())
		})
	}
}

func TestCreateBackup_SelfHostedWithoutMasterPassword(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodSelfHosted)

	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeAutomatic, nil)
	assert.ErrorIs(t, err, ErrMasterPasswordMissing)
	stored, _ := h.backups.GetBackup(context.Background(), b.ID)
	assert.Equal(t, models.BackupStatusFailed, stored.Status)
}

func TestCreateBackup_OdooSh(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)
	dep := "dep-1"

	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeAutomatic, &dep)
	require.NoError(t, err)
	assert.Equal(t, "sh-secret", h.sh.token)
	assert.Equal(t, "sh-acme-production", *b.ExternalRef)
	assert.Equal(t, int64(4096), b.SizeBytes)
	assert.Equal(t, "dep-1", *b.DeploymentID)
	assert.Equal(t, models.BackupStatusCompleted, b.Status)
}

func TestCreateBackup_OdooComUnsupported(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooCom)

	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)
	assert.ErrorIs(t, err, ErrBackupUnsupported)
	require.NotNil(t, b)
	stored, _ := h.backups.GetBackup(context.Background(), b.ID)
	assert.Equal(t, models.BackupStatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
}

func TestCreateBackup_FailureRecordedAfterCancel(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)
	ctx, cancel := context.WithCancel(context.Background())
	h.sh.createErr = errors.New("boom")
	cancel()

	b, err := h.reg.CreateBackup(ctx, inst.ID, models.BackupTypeManual, nil)
	require.Error(t, err)
	stored, _ := h.backups.GetBackup(context.Background(), b.ID)
	assert.Equal(t, models.BackupStatusFailed, stored.Status)
}

func TestRestoreBackup_SelfHostedRoundTrip(t *testing.T) {
	h := newHarness(t, Config{MasterPassword: "master"})
	h.dialer.fake.Dump = []byte("snapshot")
	inst := h.register(t, models.DeploymentMethodSelfHosted)
	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)

	require.NoError(t, h.reg.RestoreBackup(context.Background(), b.ID))
	assert.Equal(t, []byte("snapshot"), h.dialer.fake.Restored)
}

func TestRestoreBackup_ChecksumMismatch(t *testing.T) {
	h := newHarness(t, Config{MasterPassword: "master"})
	h.dialer.fake.Dump = []byte("snapshot")
	inst := h.register(t, models.DeploymentMethodSelfHosted)
	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)
	bad := strings.Repeat("0", 64)
	h.backups.items[b.ID].Checksum = &bad

	err = h.reg.RestoreBackup(context.Background(), b.ID)
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
	assert.Nil(t, h.dialer.fake.Restored)
}

func TestRestoreBackup_RejectsFailedBackup(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooCom)
	b, _ := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)

	err := h.reg.RestoreBackup(context.Background(), b.ID)
	var bue *BackupUnavailableError
	require.True(t, errors.As(err, &bue), "got %v", err)
	assert.Equal(t, b.ID, bue.BackupID)
	assert.ErrorIs(t, err, ErrNoBackupAvailable)
}

func TestRestoreBackup_OdooSh(t *testing.T) {
	h := newHarness(t, Config{})
	inst := h.register(t, models.DeploymentMethodOdooSh)
	b, err := h.reg.CreateBackup(context.Background(), inst.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)

	require.NoError(t, h.reg.RestoreBackup(context.Background(), b.ID))
	assert.Equal(t, "sh-acme-production", h.sh.restored)

	err = h.reg.RestoreBackup(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBackupDownloadURL(t *testing.T) {
	h := newHarness(t, Config{MasterPassword: "master"})
	h.dialer.fake.Dump = []byte("snapshot")
	self := h.register(t, models.DeploymentMethodSelfHosted)
	sh := h.register(t, models.DeploymentMethodOdooSh)

	b1, err := h.reg.CreateBackup(context.Background(), self.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)
	url, err := h.reg.BackupDownloadURL(context.Background(), b1.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"), url)

	b2, err := h.reg.CreateBackup(context.Background(), sh.ID, models.BackupTypeManual, nil)
	require.NoError(t, err)
	url, err = h.reg.BackupDownloadURL(context.Background(), b2.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://sh.example/sh-acme-production", url)
}
