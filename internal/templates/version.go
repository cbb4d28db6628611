package templates

import (
	"fmt"

	"github.com/hashicorp/go-version"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
)

// InitialVersion numbers the first version of a template
const InitialVersion = "1.0.0"

// ValidateVersion checks that v is a semantic version
func ValidateVersion(v string) error {
	if _, err := version.NewSemver(v); err != nil {
		return fmt.Errorf("invalid version %q: %w", v, err)
	}
	return nil
}

// NextPatchVersion bumps the patch segment: "1.2.3" -> "1.2.4".
// An empty or unparsable input starts over at InitialVersion.
func NextPatchVersion(latest string) string {
	v, err := version.NewVersion(latest)
	if err != nil {
		return InitialVersion
	}
	seg := v.Segments()
	for len(seg) < 3 {
		seg = append(seg, 0)
	}
	return fmt.Sprintf("%d.%d.%d", seg[0], seg[1], seg[2]+1)
}

// HighestVersion returns the greatest semver string, ignoring unparsable entries
func HighestVersion(numbers []string) string {
	var best *version.Version
	var bestRaw string
	for _, n := range numbers {
		v, err := version.NewVersion(n)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestRaw = v, n
		}
	}
	return bestRaw
}

// LatestMainline picks the highest semver among versions without a branch name.
// Equal versions resolve to the most recently created one.
func LatestMainline(versions []*models.TemplateVersion) *models.TemplateVersion {
	var best *models.TemplateVersion
	var bestV *version.Version
	for _, tv := range versions {
		if tv.BranchName != nil {
			continue
		}
		v, err := version.NewVersion(tv.Version)
		if err != nil {
			continue
		}
		switch {
		case best == nil, v.GreaterThan(bestV):
			best, bestV = tv, v
		case v.Equal(bestV) && tv.CreatedAt.After(best.CreatedAt):
			best = tv
		}
	}
	return best
}
