// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package memory is a datasource adapter over in-process row sets.

It implements the complete common request payload: DNF filters with
set and tuple membership, ordering, pagination, per-parent limits and
substring search. Examples and unit tests run on it without external
infrastructure; it is also the reference semantics the other adapters
are tested against.
*/
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
	"github.com/relabs-tech/mosaik/core/request"
)

// Type is the datasource type name the adapter registers under.
const Type = "memory"

// DataSource serves rows from named in-process collections. The
// "collection" option of a datasource config selects the row set.
type DataSource struct {
	mu          sync.RWMutex
	collections map[string][]datasource.Row
}

// New returns an adapter without any collections.
func New() *DataSource {
	return &DataSource{collections: map[string][]datasource.Row{}}
}

// SetCollection replaces the rows of a collection.
func (d *DataSource) SetCollection(name string, rows []datasource.Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections[name] = rows
}

// Prepare validates that the request addresses a known collection.
func (d *DataSource) Prepare(ctx context.Context, req *datasource.Request) error {
	_, err := d.collection(req)
	return err
}

func (d *DataSource) collection(req *datasource.Request) ([]datasource.Row, error) {
	name, ok := req.Options["collection"].(string)
	if !ok || name == "" {
		return nil, errs.NewImplementation("memory: missing collection option")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, ok := d.collections[name]
	if !ok {
		return nil, errs.NewImplementation("memory: unknown collection %s", name)
	}
	return rows, nil
}

// Process evaluates the request against the collection.
func (d *DataSource) Process(ctx context.Context, req *datasource.Request) (*datasource.Result, error) {
	rows, err := d.collection(req)
	if err != nil {
		return nil, err
	}

	var matched []datasource.Row
	for _, row := range rows {
		ok, err := matchDNF(row, req.Filter)
		if err != nil {
			return nil, err
		}
		if ok && matchSearch(row, req.Search) {
			matched = append(matched, row)
		}
	}

	orderRows(matched, req.Order)
	totalCount := len(matched)

	if len(req.LimitPer) > 0 {
		matched = limitPerGroup(matched, req.LimitPer, req.Limit, req.Page)
	} else {
		matched = limitGlobal(matched, req.Limit, req.Page)
	}

	out := make([]datasource.Row, len(matched))
	for i, row := range matched {
		out[i] = projectRow(row, req.Attributes)
	}
	return &datasource.Result{Data: out, TotalCount: pointers.IntPtr(totalCount)}, nil
}

// Close discards the collections.
func (d *DataSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.collections = map[string][]datasource.Row{}
	return nil
}

func projectRow(row datasource.Row, columns []string) datasource.Row {
	out := make(datasource.Row, len(columns))
	for _, column := range columns {
		if value, ok := row[column]; ok {
			out[column] = value
		}
	}
	return out
}

func matchDNF(row datasource.Row, dnf datasource.DNF) (bool, error) {
	if len(dnf) == 0 {
		return true, nil
	}
	for _, group := range dnf {
		all := true
		for _, f := range group {
			ok, err := matchFilter(row, f)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func matchFilter(row datasource.Row, f datasource.Filter) (bool, error) {
	// composite key filters are tuple membership tests
	if len(f.Columns) > 1 {
		tuples, ok := f.Value.([][]interface{})
		if !ok || f.Operator != request.OpEqual {
			return false, errs.NewImplementation("memory: composite filter on %s requires a tuple set",
				strings.Join(f.Columns, ","))
		}
		for _, tuple := range tuples {
			if len(tuple) != len(f.Columns) {
				continue
			}
			match := true
			for i, column := range f.Columns {
				if compare(row[column], tuple[i]) != 0 {
					match = false
					break
				}
			}
			if match {
				return true, nil
			}
		}
		return false, nil
	}

	value := row[f.Columns[0]]
	switch f.Operator {
	case request.OpEqual:
		if set, ok := f.Value.([]interface{}); ok {
			for _, candidate := range set {
				if compare(value, candidate) == 0 {
					return true, nil
				}
			}
			return false, nil
		}
		return compare(value, f.Value) == 0, nil
	case request.OpNotEqual:
		if set, ok := f.Value.([]interface{}); ok {
			for _, candidate := range set {
				if compare(value, candidate) == 0 {
					return false, nil
				}
			}
			return true, nil
		}
		return compare(value, f.Value) != 0, nil
	case request.OpLess:
		return value != nil && compare(value, f.Value) < 0, nil
	case request.OpLessOrEqual:
		return value != nil && compare(value, f.Value) <= 0, nil
	case request.OpGreater:
		return value != nil && compare(value, f.Value) > 0, nil
	case request.OpGreaterOrEqual:
		return value != nil && compare(value, f.Value) >= 0, nil
	case request.OpLike:
		pattern, ok := f.Value.(string)
		s, sok := value.(string)
		if !ok || !sok {
			return false, nil
		}
		return matchLike(s, pattern), nil
	case request.OpBetween, request.OpNotBetween:
		bounds, ok := f.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return false, errs.NewImplementation("memory: %s requires a two-element bound list", f.Operator)
		}
		in := value != nil && compare(value, bounds[0]) >= 0 && compare(value, bounds[1]) <= 0
		if f.Operator == request.OpNotBetween {
			return !in, nil
		}
		return in, nil
	}
	return false, errs.NewImplementation("memory: unsupported operator %s", f.Operator)
}

// matchLike evaluates a SQL-style pattern with % wildcards, case
// insensitively.
func matchLike(s, pattern string) bool {
	s = strings.ToLower(s)
	parts := strings.Split(strings.ToLower(pattern), "%")
	if len(parts) == 1 {
		return s == parts[0]
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// matchSearch reports whether any string column contains the term, case
// insensitively.
func matchSearch(row datasource.Row, term string) bool {
	if term == "" {
		return true
	}
	term = strings.ToLower(term)
	for _, value := range row {
		if s, ok := value.(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

func orderRows(rows []datasource.Row, order []datasource.Order) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := compare(rows[i][o.Column], rows[j][o.Column])
			if c == 0 {
				continue
			}
			if o.Direction == "desc" {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// limitGlobal applies page-based offsetting over the whole row set.
func limitGlobal(rows []datasource.Row, limit, page *int) []datasource.Row {
	if limit == nil {
		return rows
	}
	offset := 0
	if page != nil && *page > 1 {
		offset = (*page - 1) * *limit
	}
	if offset >= len(rows) {
		return nil
	}
	end := offset + *limit
	if end > len(rows) {
		end = len(rows)
	}
	return rows[offset:end]
}

// limitPerGroup applies the limit and page separately to every distinct
// combination of the grouping columns, preserving overall row order.
func limitPerGroup(rows []datasource.Row, groupBy []string, limit, page *int) []datasource.Row {
	if limit == nil {
		return rows
	}
	offset := 0
	if page != nil && *page > 1 {
		offset = (*page - 1) * *limit
	}
	seen := map[string]int{}
	var out []datasource.Row
	for _, row := range rows {
		parts := make([]string, len(groupBy))
		for i, column := range groupBy {
			parts[i] = normalize(row[column])
		}
		key := strings.Join(parts, "\x00")
		n := seen[key]
		seen[key] = n + 1
		if n >= offset && n < offset+*limit {
			out = append(out, row)
		}
	}
	return out
}

// compare orders two values: nil first, then numbers, booleans,
// strings. Mixed types fall back to their string form.
func compare(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	an, aok := asFloat(a)
	bn, bok := asFloat(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	}
	return strings.Compare(normalize(a), normalize(b))
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

func normalize(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := asFloat(v); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprint(v)
}
