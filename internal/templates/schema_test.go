package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	raw := []byte(`{
		"modules": [{"technical_name": "sale_management", "required": true}],
		"custom_fields": [{"field_name": "x_tier", "model": "res.partner", "field_type": "char"}],
		"configurations": [{"key": "mail.catchall.domain", "value": "example.com"}]
	}`)

	s, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "sale_management", s.Modules[0].TechnicalName)
	assert.True(t, s.Modules[0].Required)
	assert.Equal(t, "mail.catchall.domain", s.Configurations[0].Param)
}

func TestParse_Empty(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Zero(t, s.ItemCount())
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"unknown section", `{"widgets": []}`},
		{"bad field type", `{"custom_fields": [{"field_name": "x_a", "model": "res.partner", "field_type": "blob"}]}`},
		{"module name with spaces", `{"modules": [{"technical_name": "Sale Stuff"}]}`},
		{"missing report_name", `{"reports": [{"name": "r", "model": "sale.order"}]}`},
		{"not an object", `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			var se *StructureError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestParse_DuplicateKeysPassSchemaButFailValidate(t *testing.T) {
	_, err := Parse([]byte(`{"modules": [{"technical_name": "crm"}, {"technical_name": "crm"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate key "crm"`)
}

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(sampleStructure())
	require.NoError(t, err)
	require.NoError(t, ValidateJSON(raw))

	s, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, sampleStructure().Modules, s.Modules)
}
