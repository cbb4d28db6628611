package merge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/r3labs/diff/v3"

	"github.com/odoo-orchestrator/orchestrator/internal/apperrors"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

// Change is one entry of a version comparison
type Change struct {
	Type    string      `json:"type"`
	Section string      `json:"section"`
	Key     string      `json:"key"`
	Path    []string    `json:"path"`
	From    interface{} `json:"from"`
	To      interface{} `json:"to"`
}

// Comparison is the structural changelog between two versions
type Comparison struct {
	FromVersionID string   `json:"from_version_id"`
	ToVersionID   string   `json:"to_version_id"`
	Changes       []Change `json:"changes"`
}

// CompareVersions lists the differences between two versions of one template.
// Paths start with the section and the item key, then descend into the item.
func (e *Engine) CompareVersions(ctx context.Context, fromID, toID string) (*Comparison, error) {
	from, err := e.store.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := e.store.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.TemplateID != to.TemplateID {
		return nil, &apperrors.ValidationError{Field: "to", Message: "versions belong to different templates"}
	}

	a, err := keyedTree(from.Structure)
	if err != nil {
		return nil, fmt.Errorf("failed to read version %s: %w", from.ID, err)
	}
	b, err := keyedTree(to.Structure)
	if err != nil {
		return nil, fmt.Errorf("failed to read version %s: %w", to.ID, err)
	}

	changelog, err := diff.Diff(a, b)
	if err != nil {
		return nil, fmt.Errorf("failed to diff versions: %w", err)
	}

	out := &Comparison{FromVersionID: from.ID, ToVersionID: to.ID, Changes: make([]Change, 0, len(changelog))}
	for _, c := range changelog {
		ch := Change{Type: c.Type, Path: c.Path, From: c.From, To: c.To}
		if len(c.Path) > 0 {
			ch.Section = c.Path[0]
		}
		if len(c.Path) > 1 {
			ch.Key = c.Path[1]
		}
		out.Changes = append(out.Changes, ch)
	}
	sort.SliceStable(out.Changes, func(i, j int) bool {
		return lessPath(out.Changes[i].Path, out.Changes[j].Path)
	})
	return out, nil
}

// keyedTree turns a structure into section -> key -> item so that list order
// never shows up as a change.
func keyedTree(raw []byte) (map[string]interface{}, error) {
	s, err := templates.Decode(raw)
	if err != nil {
		return nil, err
	}
	tree := make(map[string]interface{}, len(templates.Sections))
	for section, items := range s.Collections() {
		byKey := make(map[string]interface{}, len(items))
		for _, it := range items {
			encoded, err := json.Marshal(it)
			if err != nil {
				return nil, err
			}
			var v interface{}
			if err := json.Unmarshal(encoded, &v); err != nil {
				return nil, err
			}
			byKey[it.Key()] = v
		}
		tree[section] = byKey
	}
	return tree, nil
}

func lessPath(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
