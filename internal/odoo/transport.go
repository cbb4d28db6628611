package odoo

import (
	"context"
	"io"
)

// Transport is the RPC surface consumed by the deployment engine and the instance
// registry. *Client implements it; tests substitute in-memory fakes.
type Transport interface {
	Authenticate(ctx context.Context) (int64, error)
	ExecuteKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

	Create(ctx context.Context, model string, values map[string]interface{}) (int64, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) ([]Record, error)
	Search(ctx context.Context, model string, domain Domain, opts *SearchOptions) ([]int64, error)
	SearchRead(ctx context.Context, model string, domain Domain, fields []string, opts *SearchOptions) ([]Record, error)
	SearchCount(ctx context.Context, model string, domain Domain) (int64, error)
	Write(ctx context.Context, model string, ids []int64, values map[string]interface{}) (bool, error)
	Unlink(ctx context.Context, model string, ids []int64) (bool, error)
	FieldsGet(ctx context.Context, model string, attributes []string) (map[string]Record, error)

	BatchCreate(ctx context.Context, model string, records []map[string]interface{}) ([]int64, error)
	BatchWrite(ctx context.Context, model string, ops []WriteOp) error

	InstallModule(ctx context.Context, technicalName string) error
	ModuleState(ctx context.Context, technicalName string) (string, error)
	ModelExists(ctx context.Context, model string) (bool, error)

	ServerVersion(ctx context.Context) (*VersionInfo, error)
	DumpDatabase(ctx context.Context, masterPassword, format string) (io.ReadCloser, error)
	RestoreDatabase(ctx context.Context, masterPassword string, data []byte) error

	Close()
}

var _ Transport = (*Client)(nil)
