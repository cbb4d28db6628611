// Package templates owns template definitions and their immutable, versioned
// structures: the typed sections a deployment applies to an Odoo instance.
package templates

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Section names, in the order a deployment applies them
const (
	SectionModules        = "modules"
	SectionCustomFields   = "custom_fields"
	SectionWorkflows      = "workflows"
	SectionDashboards     = "dashboards"
	SectionReports        = "reports"
	SectionConfigurations = "configurations"
)

// Sections lists every section in deployment order
var Sections = []string{
	SectionModules,
	SectionCustomFields,
	SectionWorkflows,
	SectionDashboards,
	SectionReports,
	SectionConfigurations,
}

// Keyed is an item addressable by a natural key within its section
type Keyed interface {
	Key() string
	Equal(other Keyed) bool
}

// ModuleSpec is an Odoo addon to install
type ModuleSpec struct {
	TechnicalName string `json:"technical_name"`
	Name          string `json:"name,omitempty"`
	Required      bool   `json:"required,omitempty"`
}

func (m ModuleSpec) Key() string            { return m.TechnicalName }
func (m ModuleSpec) Equal(other Keyed) bool { return structurallyEqual(m, other) }

// CustomFieldSpec is an ir.model.fields record. Field-level options such as
// "required", "readonly" or "help" go in Attributes; Required marks the item
// as critical for the deployment.
type CustomFieldSpec struct {
	FieldName        string                 `json:"field_name"`
	Model            string                 `json:"model"`
	FieldDescription string                 `json:"field_description,omitempty"`
	FieldType        string                 `json:"field_type"`
	Relation         string                 `json:"relation,omitempty"`
	Selection        [][2]string            `json:"selection,omitempty"`
	Required         bool                   `json:"required,omitempty"`
	Attributes       map[string]interface{} `json:"attributes,omitempty"`
}

// Key is the field name; a version defines each custom field once
func (f CustomFieldSpec) Key() string            { return f.FieldName }
func (f CustomFieldSpec) Equal(other Keyed) bool { return structurallyEqual(f, other) }

// ActionSpec is one server action run by an automation
type ActionSpec struct {
	Name         string                 `json:"name"`
	State        string                 `json:"state"`
	Code         string                 `json:"code,omitempty"`
	FieldUpdates map[string]interface{} `json:"field_updates,omitempty"`
}

// WorkflowSpec is a base.automation rule
type WorkflowSpec struct {
	Name         string       `json:"name"`
	Model        string       `json:"model"`
	Trigger      string       `json:"trigger"`
	FilterDomain string       `json:"filter_domain,omitempty"`
	Actions      []ActionSpec `json:"actions,omitempty"`
	States       []string     `json:"states,omitempty"`
	Required     bool         `json:"required,omitempty"`
}

func (w WorkflowSpec) Key() string            { return w.Name }
func (w WorkflowSpec) Equal(other Keyed) bool { return structurallyEqual(w, other) }

// DashboardSpec is an ir.ui.view
type DashboardSpec struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	ViewType string `json:"view_type"`
	Arch     string `json:"arch"`
	Required bool   `json:"required,omitempty"`
}

func (d DashboardSpec) Key() string            { return d.Name }
func (d DashboardSpec) Equal(other Keyed) bool { return structurallyEqual(d, other) }

// ReportSpec is an ir.actions.report
type ReportSpec struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ReportName string `json:"report_name"`
	ReportType string `json:"report_type,omitempty"`
	Required   bool   `json:"required,omitempty"`
}

func (r ReportSpec) Key() string            { return r.Name }
func (r ReportSpec) Equal(other Keyed) bool { return structurallyEqual(r, other) }

// ConfigurationSpec is an ir.config_parameter entry
type ConfigurationSpec struct {
	Name     string `json:"name,omitempty"`
	Param    string `json:"key"`
	Value    string `json:"value"`
	Required bool   `json:"required,omitempty"`
}

func (c ConfigurationSpec) Key() string            { return c.Param }
func (c ConfigurationSpec) Equal(other Keyed) bool { return structurallyEqual(c, other) }

// TemplateStructure is the full content of one template version
type TemplateStructure struct {
	Modules        []ModuleSpec        `json:"modules,omitempty"`
	CustomFields   []CustomFieldSpec   `json:"custom_fields,omitempty"`
	Workflows      []WorkflowSpec      `json:"workflows,omitempty"`
	Dashboards     []DashboardSpec     `json:"dashboards,omitempty"`
	Reports        []ReportSpec        `json:"reports,omitempty"`
	Configurations []ConfigurationSpec `json:"configurations,omitempty"`
}

// Collections maps each section name to its items, preserving order
func (s *TemplateStructure) Collections() map[string][]Keyed {
	out := make(map[string][]Keyed, len(Sections))
	out[SectionModules] = toKeyed(s.Modules)
	out[SectionCustomFields] = toKeyed(s.CustomFields)
	out[SectionWorkflows] = toKeyed(s.Workflows)
	out[SectionDashboards] = toKeyed(s.Dashboards)
	out[SectionReports] = toKeyed(s.Reports)
	out[SectionConfigurations] = toKeyed(s.Configurations)
	return out
}

// SetCollection replaces one section. Every item must be of the section's type.
func (s *TemplateStructure) SetCollection(section string, items []Keyed) error {
	var err error
	switch section {
	case SectionModules:
		s.Modules, err = fromKeyed[ModuleSpec](section, items)
	case SectionCustomFields:
		s.CustomFields, err = fromKeyed[CustomFieldSpec](section, items)
	case SectionWorkflows:
		s.Workflows, err = fromKeyed[WorkflowSpec](section, items)
	case SectionDashboards:
		s.Dashboards, err = fromKeyed[DashboardSpec](section, items)
	case SectionReports:
		s.Reports, err = fromKeyed[ReportSpec](section, items)
	case SectionConfigurations:
		s.Configurations, err = fromKeyed[ConfigurationSpec](section, items)
	default:
		return fmt.Errorf("unknown section %q", section)
	}
	return err
}

// ItemCount is the number of items across all sections
func (s *TemplateStructure) ItemCount() int {
	return len(s.Modules) + len(s.CustomFields) + len(s.Workflows) +
		len(s.Dashboards) + len(s.Reports) + len(s.Configurations)
}

// Clone returns a deep copy
func (s *TemplateStructure) Clone() *TemplateStructure {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("templates: structure not serialisable: %v", err))
	}
	var out TemplateStructure
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("templates: structure round trip failed: %v", err))
	}
	return &out
}

// Validate checks the per-item required fields and that natural keys are unique
// within each section.
func (s *TemplateStructure) Validate() error {
	var problems []string
	for _, section := range Sections {
		seen := make(map[string]bool)
		for i, item := range s.Collections()[section] {
			if msg := checkItem(item); msg != "" {
				problems = append(problems, fmt.Sprintf("%s[%d]: %s", section, i, msg))
				continue
			}
			key := item.Key()
			if seen[key] {
				problems = append(problems, fmt.Sprintf("%s: duplicate key %q", section, key))
			}
			seen[key] = true
		}
	}
	if len(problems) > 0 {
		return &StructureError{Problems: problems}
	}
	return nil
}

// StructureError lists every problem found by Validate or the JSON schema
type StructureError struct {
	Problems []string
}

func (e *StructureError) Error() string {
	return "invalid template structure: " + strings.Join(e.Problems, "; ")
}

func checkItem(item Keyed) string {
	switch v := item.(type) {
	case ModuleSpec:
		if v.TechnicalName == "" {
			return "technical_name is required"
		}
	case CustomFieldSpec:
		if v.FieldName == "" || v.Model == "" || v.FieldType == "" {
			return "field_name, model and field_type are required"
		}
		if !strings.HasPrefix(v.FieldName, "x_") {
			return fmt.Sprintf("field_name %q must start with x_", v.FieldName)
		}
		if (v.FieldType == "many2one" || v.FieldType == "one2many" || v.FieldType == "many2many") && v.Relation == "" {
			return fmt.Sprintf("relation is required for %s fields", v.FieldType)
		}
		if v.FieldType == "selection" && len(v.Selection) == 0 {
			return "selection fields need at least one option"
		}
	case WorkflowSpec:
		if v.Name == "" || v.Model == "" || v.Trigger == "" {
			return "name, model and trigger are required"
		}
	case DashboardSpec:
		if v.Name == "" || v.Model == "" || v.Arch == "" {
			return "name, model and arch are required"
		}
	case ReportSpec:
		if v.Name == "" || v.Model == "" || v.ReportName == "" {
			return "name, model and report_name are required"
		}
	case ConfigurationSpec:
		if v.Param == "" {
			return "key is required"
		}
	}
	return ""
}

func toKeyed[T Keyed](items []T) []Keyed {
	out := make([]Keyed, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

func fromKeyed[T Keyed](section string, items []Keyed) ([]T, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		v, ok := it.(T)
		if !ok {
			return nil, fmt.Errorf("section %s cannot hold %T", section, it)
		}
		out = append(out, v)
	}
	return out, nil
}

// structurallyEqual compares two items by their JSON value trees, so numeric
// representation and map ordering never produce a difference.
func structurallyEqual(a, b Keyed) bool {
	if b == nil || reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	na, errA := normalize(a)
	nb, errB := normalize(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(raw, &out)
	return out, err
}
