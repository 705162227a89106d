// Auditpipe - Container Registry Audit Log Pipeline
// Copyright 2026 L. Merrick (lmerrick)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lmerrick/auditpipe

package elastic

import (
	"github.com/goccy/go-json"
)

// SearchRequest is the subset of the search body the pipeline uses.
type SearchRequest struct {
	Query       map[string]interface{}   `json:"query,omitempty"`
	Sort        []map[string]interface{} `json:"sort,omitempty"`
	SearchAfter []interface{}            `json:"search_after,omitempty"`
	Size        *int                     `json:"size,omitempty"`
	Aggs        map[string]interface{}   `json:"aggs,omitempty"`
}

// IntPtr is a convenience for SearchRequest.Size.
func IntPtr(n int) *int { return &n }

// Hit is one search result document.
type Hit struct {
	Index  string          `json:"_index"`
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	Sort   []interface{}   `json:"sort"`
}

// SearchResponse is the subset of the search response the pipeline reads.
type SearchResponse struct {
	ScrollID string `json:"_scroll_id"`
	TimedOut bool   `json:"timed_out"`
	Hits     struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations json.RawMessage `json:"aggregations"`
}

// Query builders. These return plain maps because the query DSL is deeply
// nested and only a handful of shapes are ever used.

// TermQuery matches documents where field equals value.
func TermQuery(field string, value interface{}) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}

// TermsQuery matches documents where field is any of values.
func TermsQuery(field string, values interface{}) map[string]interface{} {
	return map[string]interface{}{"terms": map[string]interface{}{field: values}}
}

// RangeQuery matches documents where field is in [gte, lt).
func RangeQuery(field string, gte, lt interface{}) map[string]interface{} {
	bounds := map[string]interface{}{}
	if gte != nil {
		bounds["gte"] = gte
	}
	if lt != nil {
		bounds["lt"] = lt
	}
	return map[string]interface{}{"range": map[string]interface{}{field: bounds}}
}

// BoolQuery combines filter and must_not clauses.
func BoolQuery(filter, mustNot []map[string]interface{}) map[string]interface{} {
	clause := map[string]interface{}{}
	if len(filter) > 0 {
		clause["filter"] = filter
	}
	if len(mustNot) > 0 {
		clause["must_not"] = mustNot
	}
	return map[string]interface{}{"bool": clause}
}

// SortBy returns one sort clause, descending when desc is true.
func SortBy(field string, desc bool) map[string]interface{} {
	order := "asc"
	if desc {
		order = "desc"
	}
	return map[string]interface{}{field: map[string]interface{}{"order": order}}
}

// TermsAgg buckets by field with a nested aggregation.
func TermsAgg(field string, size int, nestedName string, nested map[string]interface{}) map[string]interface{} {
	agg := map[string]interface{}{
		"terms": map[string]interface{}{"field": field, "size": size},
	}
	if nested != nil {
		agg["aggs"] = map[string]interface{}{nestedName: nested}
	}
	return agg
}

// DateHistogramAgg buckets by calendar interval over field.
func DateHistogramAgg(field, interval string) map[string]interface{} {
	return map[string]interface{}{
		"date_histogram": map[string]interface{}{
			"field":             field,
			"calendar_interval": interval,
		},
	}
}
