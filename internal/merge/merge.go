// Package merge implements three-way merges and branches of template versions.
// Items are matched by their natural key within each section; conflicts are
// returned as data and never guessed.
package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

// VersionStore is the part of *templates.Store the engine needs
type VersionStore interface {
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
	GetVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	FindVersion(ctx context.Context, id string) (*models.TemplateVersion, error)
	ListBranches(ctx context.Context, templateID string) ([]*models.TemplateVersion, error)
	CreateNextVersion(ctx context.Context, v *models.TemplateVersion) error
	CreateBranchVersion(ctx context.Context, v *models.TemplateVersion) error
}

// Resolution picks the side a conflict is settled with
type Resolution string

const (
	ResolutionBase   Resolution = "base"
	ResolutionSource Resolution = "source"
	ResolutionTarget Resolution = "target"
	// ResolutionManual marks a conflict nobody has resolved yet
	ResolutionManual Resolution = "manual"
)

// Valid reports whether r settles a conflict
func (r Resolution) Valid() bool {
	return r == ResolutionBase || r == ResolutionSource || r == ResolutionTarget
}

// Request describes a merge of Source into Target with Base as common ancestor.
// ConflictResolutions is keyed by conflict path, "<section>.<key>".
type Request struct {
	BaseVersionID       string                `json:"base_version_id" binding:"required"`
	SourceVersionID     string                `json:"source_version_id" binding:"required"`
	TargetVersionID     string                `json:"target_version_id" binding:"required"`
	ConflictResolutions map[string]Resolution `json:"conflict_resolutions"`
	CreatedBy           *string               `json:"-"`
}

// Conflict is one key changed differently on both sides
type Conflict struct {
	Path        string          `json:"path"`
	BaseValue   json.RawMessage `json:"base_value"`
	SourceValue json.RawMessage `json:"source_value"`
	TargetValue json.RawMessage `json:"target_value"`
	Resolution  Resolution      `json:"resolution"`
}

// Result is the outcome of MergeVersions
type Result struct {
	Success         bool       `json:"success"`
	MergedVersionID string     `json:"merged_version_id,omitempty"`
	Version         string     `json:"version,omitempty"`
	Conflicts       []Conflict `json:"conflicts"`
	Errors          []string   `json:"errors"`
}

// VersionsNotFoundError lists every version id of a request that does not exist
type VersionsNotFoundError struct {
	IDs []string
}

func (e *VersionsNotFoundError) Error() string {
	return "template versions not found: " + strings.Join(e.IDs, ", ")
}

// Engine merges and branches template versions
type Engine struct {
	store VersionStore
}

// NewEngine creates an Engine
func NewEngine(store VersionStore) *Engine {
	return &Engine{store: store}
}

// Path builds the conflict path of an item
func Path(section, key string) string {
	return section + "." + key
}

// SplitPath splits a conflict path at its first dot. Keys may contain dots
// themselves, custom field keys always do.
func SplitPath(path string) (section, key string, ok bool) {
	return strings.Cut(path, ".")
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

// MergeVersions merges source and target relative to base. Unresolved conflicts
// yield Success=false and nothing is stored; otherwise exactly one new merged
// version is created.
func (e *Engine) MergeVersions(ctx context.Context, req Request) (*Result, error) {
	versions, err := e.loadVersions(ctx, req.BaseVersionID, req.SourceVersionID, req.TargetVersionID)
	if err != nil {
		telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	base, source, target := versions[0], versions[1], versions[2]
	if source.TemplateID != base.TemplateID || target.TemplateID != base.TemplateID {
		telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
		return nil, &apperrors.ValidationError{Field: "target_version_id", Message: "all versions must belong to the same template"}
	}

	structures := make([]*templates.TemplateStructure, 3)
	for i, v := range versions {
		s, err := templates.Decode(v.Structure)
		if err != nil {
			telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to decode version %s: %w", v.ID, err)
		}
		structures[i] = s
	}

	result := &Result{Conflicts: []Conflict{}, Errors: []string{}}
	for path, res := range req.ConflictResolutions {
		if res != ResolutionManual && !res.Valid() {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: unknown resolution %q", path, res))
		}
	}
	sort.Strings(result.Errors)

	merged, unresolved, err := threeWay(structures[0], structures[1], structures[2], req.ConflictResolutions)
	if err != nil {
		telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(unresolved) > 0 || len(result.Errors) > 0 {
		result.Conflicts = append(result.Conflicts, unresolved...)
		telemetry.MergeOperationsTotal.WithLabelValues("conflicts").Inc()
		telemetry.MergeConflictsTotal.Add(float64(len(unresolved)))
		slog.Info("merge stopped on conflicts", "base", base.ID, "source", source.ID, "target", target.ID, "conflicts", len(unresolved))
		return result, nil
	}

	if err := merged.Validate(); err != nil {
		result.Errors = append(result.Errors, err.Error())
		telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
		return result, nil
	}
	raw, err := templates.Encode(merged)
	if err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Merged %s into %s", source.Label(), target.Label())
	v := &models.TemplateVersion{
		TemplateID:      base.TemplateID,
		Description:     &description,
		Structure:       raw,
		ParentVersionID: &target.ID,
		IsMerged:        true,
		CreatedBy:       req.CreatedBy,
	}
	if err := e.store.CreateNextVersion(ctx, v); err != nil {
		telemetry.MergeOperationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to store merged version: %w", err)
	}

	telemetry.MergeOperationsTotal.WithLabelValues("merged").Inc()
	slog.Info("template versions merged", "template_id", base.TemplateID, "merged_version_id", v.ID, "version", v.Version)
	result.Success = true
	result.MergedVersionID = v.ID
	result.Version = v.Version
	return result, nil
}

// loadVersions fetches every id and reports all missing ones at once
func (e *Engine) loadVersions(ctx context.Context, ids ...string) ([]*models.TemplateVersion, error) {
	out := make([]*models.TemplateVersion, len(ids))
	var missing []string
	for i, id := range ids {
		v, err := e.store.FindVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			missing = append(missing, id)
			continue
		}
		out[i] = v
	}
	if len(missing) > 0 {
		return nil, &VersionsNotFoundError{IDs: missing}
	}
	return out, nil
}

// threeWay merges every section. The merged list keeps base order, then keys
// new in source, then keys new in target.
func threeWay(base, source, target *templates.TemplateStructure, resolutions map[string]Resolution) (*templates.TemplateStructure, []Conflict, error) {
	merged := base.Clone()
	baseC, sourceC, targetC := base.Collections(), source.Collections(), target.Collections()
	var conflicts []Conflict

	for _, section := range templates.Sections {
		b, s, t := index(baseC[section]), index(sourceC[section]), index(targetC[section])
		keys := orderedKeys(baseC[section], sourceC[section], targetC[section])

		items := make([]templates.Keyed, 0, len(keys))
		for _, key := range keys {
			bv, sv, tv := b[key], s[key], t[key]
			var chosen templates.Keyed
			switch {
			case same(sv, tv):
				chosen = sv
			case same(sv, bv):
				chosen = tv
			case same(tv, bv):
				chosen = sv
			default:
				path := Path(section, key)
				switch resolutions[path] {
				case ResolutionBase:
					chosen = bv
				case ResolutionSource:
					chosen = sv
				case ResolutionTarget:
					chosen = tv
				default:
					conflicts = append(conflicts, Conflict{
						Path:        path,
						BaseValue:   rawValue(bv),
						SourceValue: rawValue(sv),
						TargetValue: rawValue(tv),
						Resolution:  ResolutionManual,
					})
					continue
				}
			}
			if chosen != nil {
				items = append(items, chosen)
			}
		}
		if err := merged.SetCollection(section, items); err != nil {
			return nil, nil, err
		}
	}
	return merged, conflicts, nil
}

func index(items []templates.Keyed) map[string]templates.Keyed {
	m := make(map[string]templates.Keyed, len(items))
	for _, it := range items {
		m[it.Key()] = it
	}
	return m
}

func orderedKeys(lists ...[]templates.Keyed) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, list := range lists {
		for _, it := range list {
			if !seen[it.Key()] {
				seen[it.Key()] = true
				keys = append(keys, it.Key())
			}
		}
	}
	return keys
}

// same treats two absent items as equal
func same(a, b templates.Keyed) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

func rawValue(item templates.Keyed) json.RawMessage {
	if item == nil {
		return json.RawMessage("null")
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
