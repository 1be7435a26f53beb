package webamon

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/webamon/webamon-misp-sync/internal/provider"
)

const keySeparator = "|"

// dedupKey identifies a record within one fetch. Report rows are keyed by
// report and credential, resolution rows by what they resolved, anything
// else by a hash of its content.
func dedupKey(record provider.Record) string {
	if _, ok := record["report_id"]; ok {
		return "report" + keySeparator + joinFields(record, "report_id", "domain", "username")
	}

	if _, ok := record["resolved_domain"]; ok {
		return "resolved" + keySeparator + joinFields(record, "resolved_domain", "resolved_ip", "resolved_url")
	}

	return "content" + keySeparator + contentHash(record)
}

func joinFields(record provider.Record, keys ...string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, cast.ToString(record[k]))
	}
	return strings.Join(parts, keySeparator)
}

// contentHash hashes the record's JSON form. Map keys marshal in sorted
// order, so equal records hash equally regardless of decode order.
func contentHash(record provider.Record) string {
	data, err := gojson.Marshal(map[string]interface{}(record))
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]interface{}(record)))
	}

	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
