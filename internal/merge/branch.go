package merge

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,99}$`)

// CreateBranch snapshots baseVersionID under branchName. The branch keeps the
// base version number and points back to the base through ParentVersionID.
func (e *Engine) CreateBranch(ctx context.Context, templateID, baseVersionID, branchName string, userID *string) (*models.TemplateVersion, error) {
	if !branchNamePattern.MatchString(branchName) {
		return nil, &apperrors.ValidationError{Field: "branch_name", Message: "must start with a letter or digit and contain only letters, digits, '.', '_', '-' or '/'"}
	}
	if _, err := e.store.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	base, err := e.store.GetVersion(ctx, baseVersionID)
	if err != nil {
		return nil, err
	}
	if base.TemplateID != templateID {
		return nil, apperrors.NewNotFound("Template version", baseVersionID)
	}

	branches, err := e.store.ListBranches(ctx, templateID)
	if err != nil {
		return nil, err
	}
	for _, b := range branches {
		if b.BranchName != nil && *b.BranchName == branchName {
			return nil, &apperrors.ValidationError{Field: "branch_name", Message: fmt.Sprintf("branch %q already exists", branchName)}
		}
	}

	description := "Branch " + branchName + " from " + base.Label()
	name := branchName
	v := &models.TemplateVersion{
		TemplateID:      templateID,
		Version:         base.Version,
		Description:     &description,
		Structure:       append([]byte(nil), base.Structure...),
		BranchName:      &name,
		ParentVersionID: &base.ID,
		CreatedBy:       userID,
	}
	if err := e.store.CreateBranchVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("failed to create branch: %w", err)
	}
	slog.Info("template branch created", "template_id", templateID, "branch", name, "base_version_id", base.ID)
	return v, nil
}

// GetBranches lists the branch versions of a template, newest first
func (e *Engine) GetBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error) {
	if _, err := e.store.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	branches, err := e.store.ListBranches(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if branches == nil {
		branches = []*models.TemplateVersion{}
	}
	return branches, nil
}
