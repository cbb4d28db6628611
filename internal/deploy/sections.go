package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/odoo-orchestrator/orchestrator/internal/db/models"
	"github.com/odoo-orchestrator/orchestrator/internal/odoo"
	"github.com/odoo-orchestrator/orchestrator/internal/telemetry"
	"github.com/odoo-orchestrator/orchestrator/internal/templates"
)

type outcome string

const (
	outcomeApplied outcome = "applied"
	outcomeSkipped outcome = "skipped"
	outcomeFailed  outcome = "failed"
	outcomePending outcome = "pending"
)

// Odoo models written by the sections
const (
	modelFields       = "ir.model.fields"
	modelServerAction = "ir.actions.server"
	modelView         = "ir.ui.view"
	modelReport       = "ir.actions.report"
	modelConfigParam  = "ir.config_parameter"
)

type sectionSummary map[outcome]int

// applySection applies every item of one section and logs its summary, even
// when the section is empty. It returns an error only when the deployment must
// stop: a required item failed or the run was cancelled. ctx is checked
// between items; remote calls use an uncancellable copy so a call that was
// sent always completes.
func (r *run) applySection(ctx context.Context, client odoo.Transport, section string, items []templates.Keyed) error {
	summary := sectionSummary{}
	call := context.WithoutCancel(ctx)

	if section == templates.SectionWorkflows && len(items) > 0 {
		supported, err := client.ModelExists(call, r.engine.opts.AutomationModel)
		if err != nil {
			return fmt.Errorf("failed to look up %s: %w", r.engine.opts.AutomationModel, err)
		}
		if !supported {
			for _, item := range items {
				summary[outcomePending]++
				telemetry.DeploymentItemsTotal.WithLabelValues(section, string(outcomePending)).Inc()
				r.log.write(ctx, models.LogLevelWarning, section,
					fmt.Sprintf("Workflow %q left pending: %s is not available on this instance", item.Key(), r.engine.opts.AutomationModel),
					map[string]interface{}{"item": item.Key()})
			}
			r.summarize(ctx, section, summary)
			return nil
		}
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return errCancelled
		}
		result, err := r.applyItem(call, client, item)
		if err != nil {
			result = outcomeFailed
		}
		summary[result]++
		telemetry.DeploymentItemsTotal.WithLabelValues(section, string(result)).Inc()

		switch result {
		case outcomeFailed:
			r.log.write(ctx, models.LogLevelError, section, fmt.Sprintf("Failed to apply %s %q: %v", section, item.Key(), err),
				map[string]interface{}{"item": item.Key(), "required": isRequired(item)})
			if isRequired(item) {
				r.summarize(ctx, section, summary)
				return fmt.Errorf("required %s item %q failed: %w", section, item.Key(), err)
			}
		case outcomeSkipped:
			r.log.write(ctx, models.LogLevelDebug, section, fmt.Sprintf("%s %q already present", section, item.Key()),
				map[string]interface{}{"item": item.Key()})
		default:
			r.log.write(ctx, models.LogLevelDebug, section, fmt.Sprintf("Applied %s %q", section, item.Key()),
				map[string]interface{}{"item": item.Key()})
		}
	}
	r.summarize(ctx, section, summary)
	return nil
}

func (r *run) summarize(ctx context.Context, section string, s sectionSummary) {
	level := models.LogLevelInfo
	if s[outcomeFailed] > 0 || s[outcomePending] > 0 {
		level = models.LogLevelWarning
	}
	r.log.write(ctx, level, section,
		fmt.Sprintf("%s: %d applied, %d skipped, %d failed, %d pending", section, s[outcomeApplied], s[outcomeSkipped], s[outcomeFailed], s[outcomePending]),
		map[string]interface{}{
			"applied": s[outcomeApplied],
			"skipped": s[outcomeSkipped],
			"failed":  s[outcomeFailed],
			"pending": s[outcomePending],
		})
}

func isRequired(item templates.Keyed) bool {
	switch it := item.(type) {
	case templates.ModuleSpec:
		return it.Required
	case templates.CustomFieldSpec:
		return it.Required
	case templates.WorkflowSpec:
		return it.Required
	case templates.DashboardSpec:
		return it.Required
	case templates.ReportSpec:
		return it.Required
	case templates.ConfigurationSpec:
		return it.Required
	}
	return false
}

func (r *run) applyItem(ctx context.Context, client odoo.Transport, item templates.Keyed) (outcome, error) {
	switch it := item.(type) {
	case templates.ModuleSpec:
		return r.applyModule(ctx, client, it)
	case templates.CustomFieldSpec:
		return r.applyCustomField(ctx, client, it)
	case templates.WorkflowSpec:
		return r.applyWorkflow(ctx, client, it)
	case templates.DashboardSpec:
		return r.applyDashboard(ctx, client, it)
	case templates.ReportSpec:
		return r.applyReport(ctx, client, it)
	case templates.ConfigurationSpec:
		return r.applyConfiguration(ctx, client, it)
	}
	return outcomeFailed, fmt.Errorf("unsupported item type %T", item)
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

func (r *run) applyModule(ctx context.Context, client odoo.Transport, m templates.ModuleSpec) (outcome, error) {
	state, err := client.ModuleState(ctx, m.TechnicalName)
	if err != nil {
		return outcomeFailed, err
	}
	switch state {
	case odoo.ModuleStateInstalled:
		return outcomeSkipped, nil
	case "":
		return outcomeFailed, fmt.Errorf("%s: %w", m.TechnicalName, odoo.ErrModuleNotFound)
	}
	if err := client.InstallModule(ctx, m.TechnicalName); err != nil {
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

func (r *run) applyCustomField(ctx context.Context, client odoo.Transport, f templates.CustomFieldSpec) (outcome, error) {
	existing, err := client.Search(ctx, modelFields, odoo.Domain{
		odoo.Cond("model", "=", f.Model),
		odoo.Cond("name", "=", f.FieldName),
	}, &odoo.SearchOptions{Limit: 1})
	if err != nil {
		return outcomeFailed, err
	}
	if len(existing) > 0 {
		return outcomeSkipped, nil
	}

	modelID, err := r.modelID(ctx, client, f.Model)
	if err != nil {
		return outcomeFailed, err
	}

	values := map[string]interface{}{}
	for k, v := range f.Attributes {
		values[k] = v
	}
	values["name"] = f.FieldName
	values["model"] = f.Model
	values["model_id"] = modelID
	values["ttype"] = f.FieldType
	values["state"] = "manual"
	values["field_description"] = f.FieldDescription
	if f.FieldDescription == "" {
		values["field_description"] = f.FieldName
	}
	if f.Relation != "" {
		values["relation"] = f.Relation
	}
	if len(f.Selection) > 0 {
		lines := make([]interface{}, 0, len(f.Selection))
		for i, opt := range f.Selection {
			lines = append(lines, []interface{}{0, 0, map[string]interface{}{
				"value":    opt[0],
				"name":     opt[1],
				"sequence": i,
			}})
		}
		values["selection_ids"] = lines
	}

	if _, err := client.Create(ctx, modelFields, values); err != nil {
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

// applyWorkflow creates or updates the automation rule by name. Server actions
// already linked to the rule are matched by name and rewritten in place;
// linked actions the workflow no longer names are removed.
func (r *run) applyWorkflow(ctx context.Context, client odoo.Transport, w templates.WorkflowSpec) (outcome, error) {
	automation := r.engine.opts.AutomationModel
	modelID, err := r.modelID(ctx, client, w.Model)
	if err != nil {
		return outcomeFailed, err
	}

	existing, err := client.SearchRead(ctx, automation, odoo.Domain{odoo.Cond("name", "=", w.Name)},
		[]string{"id", "action_server_ids"}, &odoo.SearchOptions{Limit: 1})
	if err != nil {
		return outcomeFailed, err
	}
	linked := map[string]int64{}
	if len(existing) > 0 {
		if linked, err = r.linkedActions(ctx, client, existing[0]); err != nil {
			return outcomeFailed, err
		}
	}

	actionIDs := make([]interface{}, 0, len(w.Actions))
	for _, action := range w.Actions {
		id, err := r.upsertServerAction(ctx, client, w, modelID, action, linked[action.Name])
		if err != nil {
			return outcomeFailed, fmt.Errorf("action %q: %w", action.Name, err)
		}
		delete(linked, action.Name)
		actionIDs = append(actionIDs, id)
	}

	values := map[string]interface{}{
		"name":              w.Name,
		"model_id":          modelID,
		"trigger":           w.Trigger,
		"active":            true,
		"action_server_ids": []interface{}{[]interface{}{6, 0, actionIDs}},
	}
	if w.FilterDomain != "" {
		values["filter_domain"] = w.FilterDomain
	}

	if len(existing) == 0 {
		if _, err := client.Create(ctx, automation, values); err != nil {
			return outcomeFailed, err
		}
		return outcomeApplied, nil
	}
	if _, err := client.Write(ctx, automation, []int64{recordID(existing[0])}, values); err != nil {
		return outcomeFailed, err
	}
	if len(linked) > 0 {
		stale := make([]int64, 0, len(linked))
		for _, id := range linked {
			stale = append(stale, id)
		}
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		if _, err := client.Unlink(ctx, modelServerAction, stale); err != nil {
			return outcomeFailed, err
		}
	}
	return outcomeApplied, nil
}

// linkedActions maps the names of the server actions linked to an automation
// rule to their ids
func (r *run) linkedActions(ctx context.Context, client odoo.Transport, rule odoo.Record) (map[string]int64, error) {
	out := map[string]int64{}
	ids := idList(rule["action_server_ids"])
	if len(ids) == 0 {
		return out, nil
	}
	actions, err := client.Read(ctx, modelServerAction, ids, []string{"id", "name"})
	if err != nil {
		return nil, err
	}
	for _, a := range actions {
		out[fmt.Sprint(a["name"])] = recordID(a)
	}
	return out, nil
}

// upsertServerAction writes the action to id, or creates it when id is zero
func (r *run) upsertServerAction(ctx context.Context, client odoo.Transport, w templates.WorkflowSpec, modelID int64, a templates.ActionSpec, id int64) (int64, error) {
	values := map[string]interface{}{
		"name":     a.Name,
		"model_id": modelID,
		"state":    a.State,
		"usage":    "base_automation",
	}
	if a.Code != "" {
		values["code"] = a.Code
	}
	if len(a.FieldUpdates) > 0 {
		lines := make([]interface{}, 0, len(a.FieldUpdates)+1)
		if id != 0 {
			// (5, 0, 0) clears the lines written by a previous run
			lines = append(lines, []interface{}{5, 0, 0})
		}
		for _, name := range sortedKeys(a.FieldUpdates) {
			fieldIDs, err := client.Search(ctx, modelFields, odoo.Domain{
				odoo.Cond("model", "=", w.Model),
				odoo.Cond("name", "=", name),
			}, &odoo.SearchOptions{Limit: 1})
			if err != nil {
				return 0, err
			}
			if len(fieldIDs) == 0 {
				return 0, fmt.Errorf("field %s.%s does not exist", w.Model, name)
			}
			lines = append(lines, []interface{}{0, 0, map[string]interface{}{
				"col1":            fieldIDs[0],
				"evaluation_type": "value",
				"value":           fmt.Sprint(a.FieldUpdates[name]),
			}})
		}
		values["fields_lines"] = lines
	}
	if id != 0 {
		if _, err := client.Write(ctx, modelServerAction, []int64{id}, values); err != nil {
			return 0, err
		}
		return id, nil
	}
	return client.Create(ctx, modelServerAction, values)
}

func (r *run) applyDashboard(ctx context.Context, client odoo.Transport, d templates.DashboardSpec) (outcome, error) {
	existing, err := client.Search(ctx, modelView, odoo.Domain{
		odoo.Cond("name", "=", d.Name),
		odoo.Cond("model", "=", d.Model),
	}, &odoo.SearchOptions{Limit: 1})
	if err != nil {
		return outcomeFailed, err
	}
	if len(existing) > 0 {
		return outcomeSkipped, nil
	}
	_, err = client.Create(ctx, modelView, map[string]interface{}{
		"name":  d.Name,
		"model": d.Model,
		"type":  d.ViewType,
		"arch":  d.Arch,
	})
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

func (r *run) applyReport(ctx context.Context, client odoo.Transport, rep templates.ReportSpec) (outcome, error) {
	existing, err := client.Search(ctx, modelReport, odoo.Domain{odoo.Cond("report_name", "=", rep.ReportName)}, &odoo.SearchOptions{Limit: 1})
	if err != nil {
		return outcomeFailed, err
	}
	if len(existing) > 0 {
		return outcomeSkipped, nil
	}
	reportType := rep.ReportType
	if reportType == "" {
		reportType = "qweb-pdf"
	}
	_, err = client.Create(ctx, modelReport, map[string]interface{}{
		"name":        rep.Name,
		"model":       rep.Model,
		"report_name": rep.ReportName,
		"report_type": reportType,
	})
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

func (r *run) applyConfiguration(ctx context.Context, client odoo.Transport, c templates.ConfigurationSpec) (outcome, error) {
	current, err := client.ExecuteKw(ctx, modelConfigParam, "get_param", []interface{}{c.Param}, nil)
	if err != nil {
		return outcomeFailed, err
	}
	if s, ok := current.(string); ok && s == c.Value {
		return outcomeSkipped, nil
	}
	if _, err := client.ExecuteKw(ctx, modelConfigParam, "set_param", []interface{}{c.Param, c.Value}, nil); err != nil {
		return outcomeFailed, err
	}
	return outcomeApplied, nil
}

// idList reads a many2many value as returned by read: a list of ids
func idList(v interface{}) []int64 {
	list, _ := v.([]interface{})
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if id := toID(item); id != 0 {
			out = append(out, id)
		}
	}
	return out
}

func recordID(rec odoo.Record) int64 {
	return toID(rec["id"])
}

func toID(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
