package schema

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestDefaultRegistryLoadsEmbeddedSchemas(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"S02", "S05", "S09", "S11", "S13", "base"}, reg.Names())
	assert.Equal(t, "S02", reg.Resolve("S02"))
	assert.Equal(t, BaseName, reg.Resolve("S01"))
	assert.Equal(t, BaseName, reg.Resolve(""))
}

func TestValidateBaseFallback(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	ok := reg.Validate("S01", decode(t, `{"summary": "s", "key_points": ["a"], "citations": ["https://a.com", {"url": "b.com"}]}`))
	assert.True(t, ok.Valid)
	assert.Equal(t, BaseName, ok.Schema)
	assert.Empty(t, ok.Errors)

	bad := reg.Validate("S01", decode(t, `{"summary": 4, "key_points": "a"}`))
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Errors)
	assert.NotEmpty(t, bad.Messages())
}

func TestValidateStepSpecificSchema(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	payload := decode(t, `{"summary": "s", "key_points": [], "citations": []}`)
	assert.True(t, reg.Validate("S01", payload).Valid)

	res := reg.Validate("S02", payload)
	assert.False(t, res.Valid)
	assert.Equal(t, "S02", res.Schema)
}

func TestValidateJSON(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	_, _, err = reg.ValidateJSON("S01", []byte("not json"))
	require.Error(t, err)

	payload, res, err := reg.ValidateJSON("S01", []byte(`{"summary": "x", "key_points": [], "citations": []}`))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NotNil(t, payload)
}

func TestRepair(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	cases := []struct {
		name  string
		code  string
		input string
		want  string
	}{
		{
			name:  "fills missing required fields",
			code:  "S01",
			input: `{"summary": "only summary"}`,
			want:  `{"summary": "only summary", "key_points": [], "citations": []}`,
		},
		{
			name:  "wraps scalars into arrays",
			code:  "S01",
			input: `{"summary": "s", "key_points": "single point", "citations": "https://a.com"}`,
			want:  `{"summary": "s", "key_points": ["single point"], "citations": ["https://a.com"]}`,
		},
		{
			name:  "coerces numbers and strings",
			code:  "S13",
			input: `{"summary": 12, "key_points": [1, "b"], "citations": [], "metrics": [{"name": "churn", "value": "4.5%"}, {"name": "arr", "value": "$1,200"}]}`,
			want:  `{"summary": "12", "key_points": ["1", "b"], "citations": [], "metrics": [{"name": "churn", "value": 4.5}, {"name": "arr", "value": 1200}]}`,
		},
		{
			name:  "fills nested required fields",
			code:  "S02",
			input: `{"summary": "s", "key_points": [], "citations": [], "pressures": {"description": "pricing"}}`,
			want:  `{"summary": "s", "key_points": [], "citations": [], "pressures": [{"name": "", "description": "pricing"}]}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := decode(t, tc.input)
			before := decode(t, tc.input)
			got := reg.Repair(tc.code, input)
			require.NotNil(t, got)
			if diff := cmp.Diff(decode(t, tc.want), got); diff != "" {
				t.Fatalf("repair mismatch (-want +got):\n%s", diff)
			}
			assert.True(t, reg.Validate(tc.code, got).Valid)
			assert.Empty(t, cmp.Diff(before, input), "input must not be mutated")
		})
	}
}

func TestRepairReturnsNilWhenUnfixable(t *testing.T) {
	reg, err := Default()
	require.NoError(t, err)

	assert.Nil(t, reg.Repair("S01", decode(t, `"just text"`)))
	assert.Nil(t, reg.Repair("S01", decode(t, `[1, 2]`)))
	assert.Nil(t, reg.Repair("S13", decode(t, `{"summary": "s", "key_points": [], "citations": [], "metrics": [{"name": "x", "value": "n/a"}]}`)))
	assert.Nil(t, reg.Repair("S01", decode(t, `{"summary": "s", "key_points": [], "citations": [7]}`)))
}

func TestNewRegistryRequiresBase(t *testing.T) {
	_, err := NewRegistry(fstest.MapFS{
		"S01.json": {Data: []byte(`{"type": "object"}`)},
	})
	require.Error(t, err)

	_, err = NewRegistry(fstest.MapFS{
		"base.json": {Data: []byte(`{"type": "object", "required": [`)},
	})
	require.Error(t, err)

	reg, err := NewRegistry(fstest.MapFS{
		"base.json": {Data: []byte(`{"type": "object", "required": ["summary"], "properties": {"summary": {"type": "string"}}}`)},
	})
	require.NoError(t, err)
	assert.True(t, reg.Validate("any", map[string]any{"summary": "x"}).Valid)
}
