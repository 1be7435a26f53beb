package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeQueries(t *testing.T, name string, content string) string {
	t.Helper()

	fileName := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(fileName, []byte(content), 0600))

	return fileName
}

func TestLoadQueriesJSONList(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fileName := writeQueries(t, "queries.json", `[
		{
			"name": "phishing",
			"query": "page.title:login",
			"fields": ["resolved_domain", "report_id"],
			"tags": ["webamon", "tlp:green"],
			"description": "Credential phishing pages"
		},
		{
			"name": "kits",
			"query": "tag:kit",
			"index": "reports",
			"page_size": 100
		}
	]`)

	queries, err := loadQueries(logger, fileName, nil)
	require.NoError(t, err)
	require.Len(t, queries, 2)

	assert.Equal(t, Query{
		Name:        "phishing",
		Query:       "page.title:login",
		Index:       "scans",
		PageSize:    500,
		Fields:      []string{"resolved_domain", "report_id"},
		Tags:        []string{"webamon", "tlp:green"},
		Description: "Credential phishing pages",
	}, queries[0])

	assert.Equal(t, "reports", queries[1].Index)
	assert.Equal(t, 100, queries[1].PageSize)
	assert.Nil(t, queries[1].Fields)
	assert.Empty(t, queries[1].Tags)
}

func TestLoadQueriesYAML(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fileName := writeQueries(t, "queries.yaml", `
queries:
  - name: phishing
    query: page.title:login
    tags:
      - webamon
`)

	queries, err := loadQueries(logger, fileName, nil)
	require.NoError(t, err)
	require.Len(t, queries, 1)

	assert.Equal(t, "phishing", queries[0].Name)
	assert.Equal(t, []string{"webamon"}, queries[0].Tags)
	assert.Equal(t, "scans", queries[0].Index)
}

func TestLoadQueriesAppliesDefaults(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fileName := writeQueries(t, "queries.json", `[
		{"name": "a", "query": "x"},
		{"name": "b", "query": "y", "page_size": 50}
	]`)

	queries, err := loadQueries(
		logger,
		fileName,
		map[string]interface{}{"index": "reports", "page_size": 250},
	)
	require.NoError(t, err)

	assert.Equal(t, "reports", queries[0].Index)
	assert.Equal(t, 250, queries[0].PageSize)
	assert.Equal(t, "reports", queries[1].Index)
	assert.Equal(t, 50, queries[1].PageSize)
}

func TestLoadQueriesIgnoresNonListFields(t *testing.T) {
	logger, hook := test.NewNullLogger()
	fileName := writeQueries(t, "queries.json", `[
		{"name": "a", "query": "x", "fields": "resolved_domain"}
	]`)

	queries, err := loadQueries(logger, fileName, nil)
	require.NoError(t, err)

	assert.Nil(t, queries[0].Fields)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "should be a list")
}

func TestLoadQueriesErrors(t *testing.T) {
	logger, _ := test.NewNullLogger()

	tests := []struct {
		name    string
		file    string
		content string
		message string
	}{
		{"missing name", "q.json", `[{"query": "x"}]`, "missing name"},
		{"missing query", "q.json", `[{"name": "a"}]`, "missing query"},
		{"not an object", "q.json", `["a"]`, "not an object"},
		{"malformed json", "q.json", `[{"name": `, "failed to parse"},
		{"no queries key", "q.yaml", "other: 1\n", "no queries found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fileName := writeQueries(t, tt.file, tt.content)

			_, err := loadQueries(logger, fileName, nil)
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

func TestQueryRequest(t *testing.T) {
	q := &Query{
		Name:     "a",
		Query:    "x",
		Index:    "scans",
		PageSize: 500,
		Fields:   []string{"report_id"},
	}

	req := q.Request()

	assert.Equal(t, "x", req.Query)
	assert.Equal(t, "scans", req.Index)
	assert.Equal(t, 500, req.PageSize)
	assert.Equal(t, []string{"report_id"}, req.Fields)
}
