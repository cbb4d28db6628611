package odoo

import (
	"context"
	"fmt"
)

// Module states reported by ir.module.module
const (
	ModuleStateInstalled   = "installed"
	ModuleStateUninstalled = "uninstalled"
	ModuleStateToInstall   = "to install"
	ModuleStateToUpgrade   = "to upgrade"
)

const moduleModel = "ir.module.module"

// ModuleState returns the state of a module, or "" when the instance does not know it
func (c *Client) ModuleState(ctx context.Context, technicalName string) (string, error) {
	recs, err := c.SearchRead(ctx, moduleModel, Domain{Cond("name", "=", technicalName)}, []string{"state"}, &SearchOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", nil
	}
	state, _ := recs[0]["state"].(string)
	return state, nil
}

// InstallModule triggers button_immediate_install. It returns once the server
// acknowledges; confirm the result with ModuleState if needed.
func (c *Client) InstallModule(ctx context.Context, technicalName string) error {
	ids, err := c.Search(ctx, moduleModel, Domain{Cond("name", "=", technicalName)}, &SearchOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%s: %w", technicalName, ErrModuleNotFound)
	}
	_, err = c.ExecuteKw(ctx, moduleModel, "button_immediate_install", []interface{}{ids}, nil)
	return err
}

// ModelExists reports whether model is registered in ir.model
func (c *Client) ModelExists(ctx context.Context, model string) (bool, error) {
	n, err := c.SearchCount(ctx, "ir.model", Domain{Cond("model", "=", model)})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
