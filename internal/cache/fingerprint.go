// Package cache fingerprints query results and serves them through a
// TTL store with single-flight build deduplication.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"querydeck/internal/domain"
)

// Fingerprint carries the per-request identity folded into every cache key
// alongside the QueryObject itself.
type Fingerprint struct {
	DatasetUID       string
	DatasetChangedOn time.Time
	Dialect          string
	RLSVersion       int64
	// RLSPredicates are the composed row-level-security predicates applied for
	// the requesting user, in clause order. Users under different filters must
	// never share a key, even at the same rules version.
	RLSPredicates []string
	// WrapperValues are the rendered cache_key_wrapper(...) values collected
	// during template expansion, in call order.
	WrapperValues []string
}

// keyMaterial is the canonical JSON shape that gets hashed. Field order is
// fixed by the struct; collections whose declaration order must not affect
// the key (filters, non-aggregate columns) are sorted before marshalling.
type keyMaterial struct {
	DatasetUID       string                    `json:"dataset_uid"`
	DatasetChangedOn int64                     `json:"dataset_changed_on"`
	Dialect          string                    `json:"dialect"`
	Metrics          []string                  `json:"compiled_metrics"`
	Columns          []columnKey               `json:"compiled_columns"`
	Filters          []string                  `json:"filters"`
	Extras           domain.QueryExtras        `json:"extras"`
	FromDttm         string                    `json:"from_dttm"`
	ToDttm           string                    `json:"to_dttm"`
	RowLimit         int                       `json:"row_limit"`
	RowOffset        int                       `json:"row_offset"`
	SeriesLimit      int                       `json:"series_limit"`
	SeriesMetric     string                    `json:"series_limit_metric"`
	OrderBy          []orderKey                `json:"orderby"`
	PostProcessing   []domain.PostProcessingOp `json:"post_processing"`
	WrapperValues    []string                  `json:"cache_key_wrapper_values"`
	RLSVersion       int64                     `json:"applied_rls_version"`
	RLSPredicates    []string                  `json:"applied_rls_predicates"`
}

type columnKey struct {
	Expr  string `json:"expr"`
	Grain string `json:"grain,omitempty"`
}

type orderKey struct {
	Expr string `json:"expr"`
	Asc  bool   `json:"asc"`
}

// Key computes the SHA-256 fingerprint for one QueryObject. Two logically
// equivalent requests hash identically: adhoc SQL arrives canonicalized from
// validation, and order-insensitive collections are sorted here.
func Key(fp Fingerprint, q *domain.QueryObject) (string, error) {
	material := keyMaterial{
		DatasetUID:       fp.DatasetUID,
		DatasetChangedOn: fp.DatasetChangedOn.UTC().UnixNano(),
		Dialect:          fp.Dialect,
		Metrics:          make([]string, 0, len(q.Metrics)),
		Extras:           q.Extras,
		FromDttm:         isoOrEmpty(q.FromDttm),
		ToDttm:           isoOrEmpty(q.ToDttm),
		RowLimit:         q.RowLimit,
		RowOffset:        q.RowOffset,
		SeriesLimit:      q.SeriesLimit,
		PostProcessing:   q.PostProcessing,
		WrapperValues:    fp.WrapperValues,
		RLSVersion:       fp.RLSVersion,
		RLSPredicates:    fp.RLSPredicates,
	}

	// Metric order shapes the projection, so it is part of the identity.
	for i := range q.Metrics {
		material.Metrics = append(material.Metrics, metricIdentity(&q.Metrics[i]))
	}
	if q.SeriesLimitMetric != nil {
		material.SeriesMetric = metricIdentity(q.SeriesLimitMetric)
	}

	// Non-aggregate column declaration order is not significant.
	for i := range q.Columns {
		c := &q.Columns[i]
		expr := c.CompiledSQL
		if expr == "" {
			expr = c.Name
		}
		material.Columns = append(material.Columns, columnKey{Expr: expr, Grain: c.TimeGrain})
	}
	sort.Slice(material.Columns, func(a, b int) bool {
		if material.Columns[a].Expr != material.Columns[b].Expr {
			return material.Columns[a].Expr < material.Columns[b].Expr
		}
		return material.Columns[a].Grain < material.Columns[b].Grain
	})

	// Filter declaration order is not significant either.
	for i := range q.Filters {
		blob, err := json.Marshal(q.Filters[i])
		if err != nil {
			return "", err
		}
		material.Filters = append(material.Filters, string(blob))
	}
	sort.Strings(material.Filters)

	for i := range q.OrderBy {
		material.OrderBy = append(material.OrderBy, orderKey{
			Expr: metricIdentity(&q.OrderBy[i].Expression),
			Asc:  q.OrderBy[i].Ascending,
		})
	}

	blob, err := json.Marshal(&material)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func metricIdentity(m *domain.MetricRef) string {
	if m.CompiledSQL != "" {
		return m.CompiledSQL
	}
	return m.Name
}

func isoOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
