package sync

import (
	gojson "github.com/goccy/go-json"
	"github.com/spf13/cast"

	"github.com/webamon/webamon-misp-sync/internal/provider"
	"github.com/webamon/webamon-misp-sync/pkg/misp"
)

type Kind string
type Category string

const (
	KIND_DOMAIN Kind = "domain"
	KIND_IP     Kind = "ip"
	KIND_URL    Kind = "url"
	KIND_LINK   Kind = "link"
	KIND_TEXT   Kind = "text"

	CATEGORY_NETWORK_ACTIVITY  Category = "Network activity"
	CATEGORY_EXTERNAL_ANALYSIS Category = "External analysis"

	DefaultReportURLBase = "http://search.webamon.com/search/report_id="
)

var mispTypes = map[Kind]string{
	KIND_DOMAIN: "domain",
	KIND_IP:     "ip-dst",
	KIND_URL:    "url",
	KIND_LINK:   "link",
	KIND_TEXT:   "text",
}

// MispType is the MISP attribute type the kind is submitted as.
func (k Kind) MispType() string {
	if t, ok := mispTypes[k]; ok {
		return t
	}
	return string(k)
}

type Attribute struct {
	Kind     Kind
	Value    string
	Category Category
	Tags     []string
}

func (a *Attribute) toMisp() *misp.Attribute {
	return &misp.Attribute{
		Type:     a.Kind.MispType(),
		Category: string(a.Category),
		Value:    a.Value,
		ToIDs:    true,
		Tags:     misp.NewTags(a.Tags),
	}
}

type mappingRule struct {
	keys     []string
	kind     Kind
	category Category
	format   func(value string, reportURLBase string) string
}

func plain(v string, _ string) string {
	return v
}

func prefixed(prefix string) func(string, string) string {
	return func(v string, _ string) string {
		return prefix + v
	}
}

func reportLink(v string, reportURLBase string) string {
	return reportURLBase + v
}

// mappingRules are applied in order and independently. A rule with several
// keys uses the first one present.
var mappingRules = []mappingRule{
	{[]string{"resolved_domain"}, KIND_DOMAIN, CATEGORY_NETWORK_ACTIVITY, plain},
	{[]string{"resolved_ip"}, KIND_IP, CATEGORY_NETWORK_ACTIVITY, plain},
	{[]string{"resolved_url"}, KIND_URL, CATEGORY_NETWORK_ACTIVITY, plain},
	{[]string{"domain"}, KIND_DOMAIN, CATEGORY_NETWORK_ACTIVITY, plain},
	{[]string{"username"}, KIND_TEXT, CATEGORY_EXTERNAL_ANALYSIS, prefixed("Username: ")},
	{[]string{"report_id"}, KIND_TEXT, CATEGORY_EXTERNAL_ANALYSIS, prefixed("Webamon Report ID: ")},
	{[]string{"report_id"}, KIND_LINK, CATEGORY_EXTERNAL_ANALYSIS, reportLink},
	{[]string{"page_title"}, KIND_TEXT, CATEGORY_EXTERNAL_ANALYSIS, prefixed("Page Title: ")},
	{[]string{"tag"}, KIND_TEXT, CATEGORY_EXTERNAL_ANALYSIS, prefixed("Tag: ")},
	{[]string{"ingest_date", "date"}, KIND_TEXT, CATEGORY_EXTERNAL_ANALYSIS, prefixed("Ingest Date: ")},
}

// MapRecord turns one record into the attributes it yields, in rule order.
// The presence of a key is enough to emit its attribute, except that a
// (kind, value) pair is emitted once per record even when several keys
// produce it, e.g. a record whose domain equals its resolved_domain yields a
// single domain attribute rather than one per key. Values that are neither
// scalars nor strings are submitted in their JSON form. The record is not
// modified.
func MapRecord(
	record provider.Record,
	tags []string,
	reportURLBase string,
) []Attribute {
	if reportURLBase == "" {
		reportURLBase = DefaultReportURLBase
	}

	attrs := []Attribute{}
	seen := map[Kind]map[string]struct{}{}

	for _, rule := range mappingRules {
		raw, ok := firstPresent(record, rule.keys)
		if !ok {
			continue
		}

		str, ok := stringValue(raw)
		if !ok {
			continue
		}

		value := rule.format(str, reportURLBase)

		if _, dup := seen[rule.kind][value]; dup {
			continue
		}
		if seen[rule.kind] == nil {
			seen[rule.kind] = map[string]struct{}{}
		}
		seen[rule.kind][value] = struct{}{}

		attrs = append(attrs, Attribute{
			Kind:     rule.kind,
			Value:    value,
			Category: rule.category,
			Tags:     tags,
		})
	}

	return attrs
}

func firstPresent(record provider.Record, keys []string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := record[k]; ok {
			return v, true
		}
	}
	return nil, false
}

// stringValue renders a record value as attribute text. Lists and objects
// fall back to their JSON encoding.
func stringValue(raw interface{}) (string, bool) {
	if str, err := cast.ToStringE(raw); err == nil {
		return str, true
	}

	data, err := gojson.Marshal(raw)
	if err != nil {
		return "", false
	}
	return string(data), true
}
