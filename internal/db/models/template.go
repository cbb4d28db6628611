// Package models - template.go defines Template and TemplateVersion. A version's
// structure is a full, self-contained snapshot and is never edited in place.
package models

import (
	"encoding/json"
	"time"
)

// Template is a named, industry-tagged configuration bundle
type Template struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Description  *string   `db:"description" json:"description,omitempty"`
	Industry     *string   `db:"industry" json:"industry,omitempty"`
	TemplateType string    `db:"template_type" json:"template_type"`
	CreatedBy    *string   `db:"created_by" json:"created_by,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TemplateVersion is one immutable snapshot of a template's structure.
// ParentVersionID is a lineage back-reference only.
type TemplateVersion struct {
	ID              string          `db:"id" json:"id"`
	TemplateID      string          `db:"template_id" json:"template_id"`
	Version         string          `db:"version" json:"version"`
	Description     *string         `db:"description" json:"description,omitempty"`
	Structure       json.RawMessage `db:"structure" json:"structure"`
	BranchName      *string         `db:"branch_name" json:"branch_name,omitempty"`
	ParentVersionID *string         `db:"parent_version_id" json:"parent_version_id,omitempty"`
	IsMerged        bool            `db:"is_merged" json:"is_merged"`
	CreatedBy       *string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Label returns a human-readable identifier such as "1.2.0" or "1.2.0 (feature-x)"
func (v *TemplateVersion) Label() string {
	if v.BranchName != nil && *v.BranchName != "" {
		return v.Version + " (" + *v.BranchName + ")"
	}
	return v.Version
}
