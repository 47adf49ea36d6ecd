package query

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metricsd/pkg/render"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	engine, err := render.New()
	require.NoError(t, err)
	mapping, err := DefaultMapping()
	require.NoError(t, err)
	b, err := NewBuilder(engine, mapping)
	require.NoError(t, err)
	return b
}

func TestBuildWithoutFilter(t *testing.T) {
	sql, err := newTestBuilder(t).Build(nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(sql, "SELECT * FROM (SELECT c.id, c.products_available__c"))
	assert.Contains(t, sql, `FROM salesforce_crm_v2."case" c INNER JOIN salesforce_crm_v2.account a ON a.id = c.accountid`)
	assert.Contains(t, sql, "ROW_NUMBER() OVER (PARTITION BY c.casenumber ORDER BY c.createddate DESC) AS rn")
	assert.Contains(t, sql, "WHERE c.status IN ('Open','Pending') AND c.isclosed = false AND c.type = 'Feature' AND CAST(c.createddate AS TIMESTAMP) >= date_add('month', -6, current_timestamp)")
	assert.True(t, strings.HasSuffix(sql, ") t WHERE rn = 1"))
}

func TestBuildAppliesEachFieldToItsOwnColumn(t *testing.T) {
	sql, err := newTestBuilder(t).Build(Filter{
		"type":                {"Feature"},
		"customer_segment__c": {"B2B-Enterprise"},
		"case_record_type__c": {"B2B Enterprise", "SMB"},
	})
	require.NoError(t, err)

	assert.Contains(t, sql, "AND c.case_record_type__c IN ('B2B Enterprise', 'SMB') AND c.customer_segment__c IN ('B2B-Enterprise') AND c.type IN ('Feature')) t WHERE rn = 1")
}

func TestBuildEscapesValues(t *testing.T) {
	sql, err := newTestBuilder(t).Build(Filter{"type": {"O'Brien"}})
	require.NoError(t, err)
	assert.Contains(t, sql, "c.type IN ('O''Brien')")
}

func TestBuildSkipsEmptyFields(t *testing.T) {
	b := newTestBuilder(t)
	plain, err := b.Build(nil)
	require.NoError(t, err)

	withEmpty, err := b.Build(Filter{"type": nil, "customer_segment__c": {}})
	require.NoError(t, err)
	assert.Equal(t, plain, withEmpty)
}

func TestBuildRejectsUnknownField(t *testing.T) {
	_, err := newTestBuilder(t).Build(Filter{"owner": {"x"}})
	require.ErrorIs(t, err, ErrUnknownField)
	assert.ErrorContains(t, err, "owner")
}

func TestFields(t *testing.T) {
	assert.Equal(t, []string{"case_record_type__c", "customer_segment__c", "type"}, newTestBuilder(t).Fields())
}

func TestLoadMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	doc := `
template: latest_per_key.sql.tmpl
from: orders o
partition_by: o.id
order_by: o.updated DESC
columns: [o.id, o.total]
fields:
  region: o.region
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	mapping, err := LoadMapping(path)
	require.NoError(t, err)

	engine, err := render.New()
	require.NoError(t, err)
	b, err := NewBuilder(engine, mapping)
	require.NoError(t, err)

	sql, err := b.Build(Filter{"region": {"emea"}})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM (SELECT o.id, o.total, ROW_NUMBER() OVER (PARTITION BY o.id ORDER BY o.updated DESC) AS rn FROM orders o WHERE o.region IN ('emea')) t WHERE rn = 1", sql)
}

func TestParseMappingValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not yaml", doc: "template: [unterminated"},
		{name: "no template", doc: "from: t\npartition_by: id\norder_by: id\ncolumns: [id]"},
		{name: "no columns", doc: "template: x\nfrom: t\npartition_by: id\norder_by: id"},
		{name: "empty field column", doc: "template: x\nfrom: t\npartition_by: id\norder_by: id\ncolumns: [id]\nfields:\n  a: \"\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping([]byte(tt.doc))
			require.Error(t, err)
		})
	}

	_, err := LoadMapping(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
