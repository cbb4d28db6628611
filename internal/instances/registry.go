// Package instances is the registry of managed Odoo instances. It is the only
// place instance credentials are encrypted and decrypted, and it owns the
// health-check and backup/restore operations for every hosting method.
package instances

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/odoosh"
	"github.com/odoo-orchestrator/orchestrator/internal/storage"
)

// InstanceStore persists instances; *repositories.InstanceRepository implements it
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *models.OdooInstance) error
	GetInstance(ctx context.Context, id string) (*models.OdooInstance, error)
	ListInstances(ctx context.Context, companyID string) ([]*models.OdooInstance, error)
	ListMonitored(ctx context.Context) ([]*models.OdooInstance, error)
	UpdateCredentials(ctx context.Context, id, username, passwordEncrypted string, tokenEncrypted *string) error
	UpdateStatus(ctx context.Context, id string, status models.InstanceStatus) error
	RecordHealthCheck(ctx context.Context, id string, status models.InstanceStatus, healthStatus string, odooVersion *string, checkedAt time.Time) error
}

// BackupStore persists backup rows; *repositories.BackupRepository implements it
type BackupStore interface {
	CreateBackup(ctx context.Context, b *models.InstanceBackup) error
	MarkCompleted(ctx context.Context, b *models.InstanceBackup) error
	MarkFailed(ctx context.Context, id, reason string) error
	GetBackup(ctx context.Context, id string) (*models.InstanceBackup, error)
	ListBackups(ctx context.Context, instanceID string) ([]*models.InstanceBackup, error)
}

// OdooShClient is the part of the Odoo.sh API used for backups
type OdooShClient interface {
	CreateBackup(ctx context.Context, token, project, branch string) (*odoosh.Backup, error)
	WaitForBackup(ctx context.Context, token, project, branch, id string) (*odoosh.Backup, error)
	RestoreBackup(ctx context.Context, token, project, branch, id string) error
}

// TransportFactory builds the RPC transport for one operation
type TransportFactory func(cfg odoo.Config) odoo.Transport

// DialXMLRPC is the production TransportFactory
func DialXMLRPC(cfg odoo.Config) odoo.Transport {
	return odoo.NewClient(cfg)
}

// Config carries the transport defaults and backup settings
type Config struct {
	Timeout          time.Duration
	DumpTimeout      time.Duration
	Retry            odoo.RetryConfig
	BatchConcurrency int
	MasterPassword   string
	// DownloadURLTTL bounds links handed out for self-hosted dumps
	DownloadURLTTL time.Duration
}

// Registry manages instances, their credentials and backups
type Registry struct {
	instances InstanceStore
	backups   BackupStore
	cipher    EncryptionService
	dial      TransportFactory
	odooSh    OdooShClient
	store     storage.Storage
	cfg       Config
	now       func() time.Time
}

// NewRegistry wires a Registry. odooSh and store may be nil when the matching
// hosting method is not used; backups for it then fail with a clear error.
func NewRegistry(instances InstanceStore, backups BackupStore, cipher EncryptionService, dial TransportFactory, odooSh OdooShClient, store storage.Storage, cfg Config) *Registry {
	if dial == nil {
		dial = DialXMLRPC
	}
	if cfg.DownloadURLTTL <= 0 {
		cfg.DownloadURLTTL = time.Hour
	}
	return &Registry{
		instances: instances,
		backups:   backups,
		cipher:    cipher,
		dial:      dial,
		odooSh:    odooSh,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
	}
}

// GetInstance returns an instance or a NotFoundError
func (r *Registry) GetInstance(ctx context.Context, id string) (*models.OdooInstance, error) {
	inst, err := r.instances.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperrors.NewNotFound("Instance", id)
	}
	return inst, nil
}

// ListInstances lists instances of a company ("" for all)
func (r *Registry) ListInstances(ctx context.Context, companyID string) ([]*models.OdooInstance, error) {
	return r.instances.ListInstances(ctx, companyID)
}

// Credentials decrypts the instance secrets. Call it once per operation.
func (r *Registry) Credentials(ctx context.Context, inst *models.OdooInstance) (*Credentials, error) {
	password, err := r.cipher.Open(inst.AdminPasswordEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for instance %s: %w", inst.ID, err)
	}
	creds := &Credentials{
		InstanceID: inst.ID,
		URL:        inst.InstanceURL,
		Database:   inst.DatabaseName,
		Username:   inst.AdminUsername,
		password:   password,
	}
	if inst.OdooShTokenEncrypted != nil && *inst.OdooShTokenEncrypted != "" {
		token, err := r.cipher.Open(*inst.OdooShTokenEncrypted)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt odoo.sh token for instance %s: %w", inst.ID, err)
		}
		creds.odooShToken = token
	}
	return creds, nil
}

// Connect decrypts the credentials and builds one transport for the caller's operation
func (r *Registry) Connect(ctx context.Context, inst *models.OdooInstance) (odoo.Transport, error) {
	creds, err := r.Credentials(ctx, inst)
	if err != nil {
		return nil, err
	}
	return r.Dial(creds), nil
}

// Dial builds a transport from credentials the caller already decrypted
func (r *Registry) Dial(creds *Credentials) odoo.Transport {
	return r.dial(odoo.Config{
		URL:              creds.URL,
		Database:         creds.Database,
		Username:         creds.Username,
		Password:         creds.password,
		Timeout:          r.cfg.Timeout,
		DumpTimeout:      r.cfg.DumpTimeout,
		Retry:            r.cfg.Retry,
		BatchConcurrency: r.cfg.BatchConcurrency,
	})
}

// RegisterRequest describes a new instance. Secrets arrive in plaintext and are
// sealed before anything is written.
type RegisterRequest struct {
	CompanyID           string                  `json:"company_id" binding:"required"`
	Name                string                  `json:"name" binding:"required"`
	InstanceURL         string                  `json:"instance_url" binding:"required"`
	DatabaseName        string                  `json:"database_name" binding:"required"`
	DeploymentMethod    models.DeploymentMethod `json:"deployment_method" binding:"required"`
	AdminUsername       string                  `json:"admin_username" binding:"required"`
	AdminPassword       string                  `json:"admin_password" binding:"required"`
	OdooShProject       *string                 `json:"odoo_sh_project"`
	OdooShBranch        *string                 `json:"odoo_sh_branch"`
	OdooShToken         *string                 `json:"odoo_sh_token"`
	HealthCheckInterval int                     `json:"health_check_interval"`
}

func (req *RegisterRequest) validate() error {
	u, err := url.Parse(req.InstanceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &apperrors.ValidationError{Field: "instance_url", Message: "must be an absolute http(s) URL"}
	}
	if !req.DeploymentMethod.Valid() {
		return &apperrors.ValidationError{Field: "deployment_method", Message: "must be odoo_com, odoo_sh or self_hosted"}
	}
	if req.AdminUsername == "" || req.AdminPassword == "" {
		return &apperrors.ValidationError{Field: "admin_password", Message: "admin username and password are required"}
	}
	if req.DeploymentMethod == models.DeploymentMethodOdooSh {
		if isBlank(req.OdooShProject) || isBlank(req.OdooShBranch) || isBlank(req.OdooShToken) {
			return &apperrors.ValidationError{Field: "odoo_sh_token", Message: "odoo_sh instances need project, branch and API token"}
		}
	}
	return nil
}

// RegisterInstance validates, encrypts and stores a new instance
func (r *Registry) RegisterInstance(ctx context.Context, req RegisterRequest) (*models.OdooInstance, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	sealedPassword, err := r.cipher.Seal(req.AdminPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt admin password: %w", err)
	}
	sealedToken, err := r.sealOptional(req.OdooShToken)
	if err != nil {
		return nil, err
	}

	inst := &models.OdooInstance{
		CompanyID:              req.CompanyID,
		Name:                   req.Name,
		InstanceURL:            strings.TrimRight(req.InstanceURL, "/"),
		DatabaseName:           req.DatabaseName,
		DeploymentMethod:       req.DeploymentMethod,
		AdminUsername:          req.AdminUsername,
		AdminPasswordEncrypted: sealedPassword,
		OdooShProject:          req.OdooShProject,
		OdooShBranch:           req.OdooShBranch,
		OdooShTokenEncrypted:   sealedToken,
		Status:                 models.InstanceStatusActive,
		HealthCheckInterval:    req.HealthCheckInterval,
	}
	if err := r.instances.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}
	slog.Info("instance registered", "instance_id", inst.ID, "method", inst.DeploymentMethod)
	return inst, nil
}

// UpdateCredentials re-encrypts and stores new admin credentials. A nil token keeps the stored one.
func (r *Registry) UpdateCredentials(ctx context.Context, id, username, password string, odooShToken *string) error {
	if username == "" || password == "" {
		return &apperrors.ValidationError{Field: "admin_password", Message: "admin username and password are required"}
	}
	if _, err := r.GetInstance(ctx, id); err != nil {
		return err
	}
	sealedPassword, err := r.cipher.Seal(password)
	if err != nil {
		return fmt.Errorf("failed to encrypt admin password: %w", err)
	}
	sealedToken, err := r.sealOptional(odooShToken)
	if err != nil {
		return err
	}
	return r.instances.UpdateCredentials(ctx, id, username, sealedPassword, sealedToken)
}

// SetStatus changes the lifecycle status of an instance
func (r *Registry) SetStatus(ctx context.Context, id string, status models.InstanceStatus) error {
	return r.instances.UpdateStatus(ctx, id, status)
}

func (r *Registry) sealOptional(v *string) (*string, error) {
	if isBlank(v) {
		return nil, nil
	}
	sealed, err := r.cipher.Seal(*v)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt odoo.sh token: %w", err)
	}
	return &sealed, nil
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
