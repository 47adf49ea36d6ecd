package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Open", want: "'Open'"},
		{in: "O'Brien", want: "'O''Brien'"},
		{in: "", want: "''"},
		{in: "'; DROP TABLE x; --", want: "'''; DROP TABLE x; --'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Quote(tt.in))
	}
}

func TestInList(t *testing.T) {
	assert.Equal(t, "('a', 'b''c')", InList([]string{"a", "b'c"}))
	assert.Equal(t, "()", InList(nil))
}

func TestRenderLatestPerKey(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	out, err := engine.Render("latest_per_key.sql.tmpl", map[string]any{
		"Columns":     []string{"c.id", "c.name"},
		"PartitionBy": "c.id",
		"OrderBy":     "c.createddate DESC",
		"From":        "cases c",
		"Conditions":  []string{"c.open = true", "c.kind IN ('x')"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT * FROM (SELECT c.id, c.name, ROW_NUMBER() OVER (PARTITION BY c.id ORDER BY c.createddate DESC) AS rn FROM cases c WHERE c.open = true AND c.kind IN ('x')) t WHERE rn = 1\n",
		out)
}

func TestRenderUnknownTemplate(t *testing.T) {
	engine, err := New()
	require.NoError(t, err)

	_, err = engine.Render("missing.tmpl", nil)
	require.Error(t, err)

	var nilEngine *Engine
	_, err = nilEngine.Render("latest_per_key.sql.tmpl", nil)
	require.Error(t, err)
}
