package sync

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/imdario/mergo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/webamon/webamon-misp-sync/internal/provider"
)

const (
	defaultIndex    = "scans"
	defaultPageSize = 500
)

// Query is one configured search. Each query owns one MISP event per run
// date.
type Query struct {
	Name        string
	Query       string
	Index       string
	PageSize    int
	Fields      []string
	Tags        []string
	Description string
}

func (q *Query) Request() *provider.Request {
	return &provider.Request{
		Query:    q.Query,
		Index:    q.Index,
		PageSize: q.PageSize,
		Fields:   q.Fields,
	}
}

type eventsConfig struct {
	Enabled   bool
	AccountId int
	EventType string
}

// loadQueries reads the queries file. A bare JSON list is the usual form; any
// format viper reads is accepted when the list sits under a "queries" key.
// Every entry is completed from defaults before it is parsed.
func loadQueries(
	logger *log.Logger,
	fileName string,
	defaults map[string]interface{},
) ([]Query, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to read queries file: %w", err)
	}

	entries, err := decodeQueries(fileName, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse queries file %s: %w", fileName, err)
	}

	base := map[string]interface{}{
		"index":     defaultIndex,
		"page_size": defaultPageSize,
	}

	if len(defaults) > 0 {
		if err := mergo.Merge(&base, defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("invalid query defaults: %w", err)
		}
	}

	queries := make([]Query, 0, len(entries))

	for index, entry := range entries {
		m, err := cast.ToStringMapE(entry)
		if err != nil {
			return nil, fmt.Errorf("query %d is not an object", index+1)
		}

		if err := mergo.Merge(&m, base); err != nil {
			return nil, fmt.Errorf("query %d: %w", index+1, err)
		}

		q, err := parseQuery(logger, m)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", index+1, err)
		}

		queries = append(queries, *q)
	}

	return queries, nil
}

func decodeQueries(fileName string, data []byte) ([]interface{}, error) {
	trimmed := bytes.TrimSpace(data)

	if len(trimmed) > 0 && trimmed[0] == '[' {
		var entries []interface{}
		if err := gojson.Unmarshal(trimmed, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	}

	v := viper.New()
	v.SetConfigType(strings.TrimPrefix(filepath.Ext(fileName), "."))

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	raw := v.Get("queries")
	if raw == nil {
		return nil, fmt.Errorf("no queries found")
	}

	return cast.ToSliceE(raw)
}

func parseQuery(logger *log.Logger, m map[string]interface{}) (*Query, error) {
	q := &Query{
		Name:        cast.ToString(m["name"]),
		Query:       cast.ToString(m["query"]),
		Index:       cast.ToString(m["index"]),
		PageSize:    cast.ToInt(m["page_size"]),
		Tags:        cast.ToStringSlice(m["tags"]),
		Description: cast.ToString(m["description"]),
	}

	if q.Name == "" {
		return nil, fmt.Errorf("missing name")
	}

	if q.Query == "" {
		return nil, fmt.Errorf("missing query for %s", q.Name)
	}

	if q.Index == "" {
		q.Index = defaultIndex
	}

	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}

	if fields, ok := m["fields"]; ok && fields != nil {
		if list, ok := fields.([]interface{}); ok {
			q.Fields = cast.ToStringSlice(list)
		} else if list, ok := fields.([]string); ok {
			q.Fields = list
		} else {
			logger.Warnf(
				"'fields' for query %s should be a list, got %T, requesting all fields",
				q.Name,
				fields,
			)
		}
	}

	return q, nil
}
