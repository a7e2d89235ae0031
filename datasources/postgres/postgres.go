// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package postgres is a datasource adapter over postgres tables.

Each request is synthesized into one SELECT: DNF filters become OR-ed
condition groups, set membership uses = ANY, composite keys tuple-IN,
per-parent limits a ROW_NUMBER window. The total count rides along as a
COUNT(*) OVER() column.
*/
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/request"
)

// Type is the datasource type name the adapter registers under.
const Type = "postgres"

// DataSource serves requests from a postgres database. The "table"
// option of a datasource config names the table; the optional
// "searchColumns" option lists the columns substring search runs over.
type DataSource struct {
	db *DB
}

// New returns an adapter over an open database.
func New(db *DB) *DataSource {
	return &DataSource{db: db}
}

// Prepare synthesizes the query once to validate table, columns and
// operators before any execution starts.
func (d *DataSource) Prepare(ctx context.Context, req *datasource.Request) error {
	_, _, err := buildQuery(d.db.Schema, req)
	return err
}

// Process runs the synthesized query and scans the rows.
func (d *DataSource) Process(ctx context.Context, req *datasource.Request) (*datasource.Result, error) {
	query, args, err := buildQuery(d.db.Schema, req)
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	result := &datasource.Result{}
	for rows.Next() {
		values := make([]interface{}, len(req.Attributes)+1)
		targets := make([]interface{}, len(values))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		row := make(datasource.Row, len(req.Attributes))
		for i, column := range req.Attributes {
			row[column] = convertValue(values[i], req.AttributeOptions[column].Type)
		}
		result.Data = append(result.Data, row)

		if result.TotalCount == nil {
			if count, ok := values[len(values)-1].(int64); ok {
				n := int(count)
				result.TotalCount = &n
			}
		}
	}
	return result, rows.Err()
}

// Close closes the database connection pool.
func (d *DataSource) Close() error {
	return d.db.Close()
}

// convertValue maps scanned driver values to the declared attribute
// type. Without a declared type byte slices become strings.
func convertValue(value interface{}, declared string) interface{} {
	if value == nil {
		return nil
	}
	switch declared {
	case "json":
		if raw, ok := value.([]byte); ok {
			var decoded interface{}
			if json.Unmarshal(raw, &decoded) == nil {
				return decoded
			}
		}
	case "int":
		if n, ok := value.(int64); ok {
			return int(n)
		}
	}
	if raw, ok := value.([]byte); ok {
		return string(raw)
	}
	return value
}

// queryBuilder accumulates the SQL text and its arguments.
type queryBuilder struct {
	args []interface{}
}

func (qb *queryBuilder) arg(value interface{}) string {
	qb.args = append(qb.args, value)
	return fmt.Sprintf("$%d", len(qb.args))
}

func buildQuery(schema string, req *datasource.Request) (string, []interface{}, error) {
	table, ok := req.Options["table"].(string)
	if !ok || table == "" {
		return "", nil, errs.NewImplementation("postgres: missing table option")
	}
	if err := checkIdent(table); err != nil {
		return "", nil, err
	}
	for _, column := range req.Attributes {
		if err := checkIdent(column); err != nil {
			return "", nil, err
		}
	}

	qb := &queryBuilder{}
	var where []string

	if len(req.Filter) > 0 {
		clause, err := qb.dnfClause(req.Filter)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
	}
	if req.Search != "" {
		clause, err := qb.searchClause(req)
		if err != nil {
			return "", nil, err
		}
		where = append(where, clause)
	}

	columns := make([]string, len(req.Attributes))
	for i, column := range req.Attributes {
		columns[i] = quoteIdent(column)
	}
	selectList := strings.Join(columns, ", ") + ", COUNT(*) OVER()"
	from := quoteIdent(schema) + "." + quoteIdent(table)

	orderBy, err := orderClause(req.Order)
	if err != nil {
		return "", nil, err
	}

	if len(req.LimitPer) > 0 && req.Limit != nil {
		return qb.windowQuery(selectList, from, where, orderBy, req)
	}

	query := "SELECT " + selectList + " FROM " + from
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if req.Limit != nil {
		query += " LIMIT " + qb.arg(*req.Limit)
		if req.Page != nil && *req.Page > 1 {
			query += " OFFSET " + qb.arg((*req.Page-1)**req.Limit)
		}
	}
	return query, qb.args, nil
}

// windowQuery limits rows per group of the LimitPer columns with a
// ROW_NUMBER window over the requested order.
func (qb *queryBuilder) windowQuery(selectList, from string, where []string, orderBy string, req *datasource.Request) (string, []interface{}, error) {
	partition := make([]string, len(req.LimitPer))
	for i, column := range req.LimitPer {
		if err := checkIdent(column); err != nil {
			return "", nil, err
		}
		partition[i] = quoteIdent(column)
	}
	window := "ROW_NUMBER() OVER (PARTITION BY " + strings.Join(partition, ", ")
	if orderBy != "" {
		window += " ORDER BY " + orderBy
	}
	window += ") AS rn__"

	inner := "SELECT " + selectList + ", " + window + " FROM " + from
	if len(where) > 0 {
		inner += " WHERE " + strings.Join(where, " AND ")
	}

	offset := 0
	if req.Page != nil && *req.Page > 1 {
		offset = (*req.Page - 1) * *req.Limit
	}
	query := "SELECT * FROM (" + inner + ") sub__ WHERE rn__ > " + qb.arg(offset) +
		" AND rn__ <= " + qb.arg(offset+*req.Limit)
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	return query, qb.args, nil
}

func (qb *queryBuilder) dnfClause(dnf datasource.DNF) (string, error) {
	groups := make([]string, 0, len(dnf))
	for _, group := range dnf {
		terms := make([]string, 0, len(group))
		for _, f := range group {
			term, err := qb.filterClause(f)
			if err != nil {
				return "", err
			}
			terms = append(terms, term)
		}
		groups = append(groups, "("+strings.Join(terms, " AND ")+")")
	}
	return "(" + strings.Join(groups, " OR ") + ")", nil
}

func (qb *queryBuilder) filterClause(f datasource.Filter) (string, error) {
	for _, column := range f.Columns {
		if err := checkIdent(column); err != nil {
			return "", err
		}
	}

	// composite key filters are tuple membership tests
	if len(f.Columns) > 1 {
		tuples, ok := f.Value.([][]interface{})
		if !ok || f.Operator != request.OpEqual {
			return "", errs.NewImplementation("postgres: composite filter on %s requires a tuple set",
				strings.Join(f.Columns, ","))
		}
		columns := make([]string, len(f.Columns))
		for i, column := range f.Columns {
			columns[i] = quoteIdent(column)
		}
		placeholders := make([]string, 0, len(tuples))
		for _, tuple := range tuples {
			if len(tuple) != len(f.Columns) {
				return "", errs.NewImplementation("postgres: tuple length does not match %s",
					strings.Join(f.Columns, ","))
			}
			parts := make([]string, len(tuple))
			for i, value := range tuple {
				parts[i] = qb.arg(value)
			}
			placeholders = append(placeholders, "("+strings.Join(parts, ", ")+")")
		}
		return "(" + strings.Join(columns, ", ") + ") IN (" + strings.Join(placeholders, ", ") + ")", nil
	}

	column := quoteIdent(f.Columns[0])
	switch f.Operator {
	case request.OpEqual:
		if set, ok := f.Value.([]interface{}); ok {
			return column + " = ANY(" + qb.arg(pq.Array(set)) + ")", nil
		}
		return column + " = " + qb.arg(f.Value), nil
	case request.OpNotEqual:
		if set, ok := f.Value.([]interface{}); ok {
			return column + " <> ALL(" + qb.arg(pq.Array(set)) + ")", nil
		}
		return column + " <> " + qb.arg(f.Value), nil
	case request.OpLess:
		return column + " < " + qb.arg(f.Value), nil
	case request.OpLessOrEqual:
		return column + " <= " + qb.arg(f.Value), nil
	case request.OpGreater:
		return column + " > " + qb.arg(f.Value), nil
	case request.OpGreaterOrEqual:
		return column + " >= " + qb.arg(f.Value), nil
	case request.OpLike:
		return column + " ILIKE " + qb.arg(f.Value), nil
	case request.OpBetween, request.OpNotBetween:
		bounds, ok := f.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return "", errs.NewImplementation("postgres: %s requires a two-element bound list", f.Operator)
		}
		clause := column + " BETWEEN " + qb.arg(bounds[0]) + " AND " + qb.arg(bounds[1])
		if f.Operator == request.OpNotBetween {
			return "NOT (" + clause + ")", nil
		}
		return clause, nil
	}
	return "", errs.NewImplementation("postgres: unsupported operator %s", f.Operator)
}

// searchClause matches the term as a substring in the configured search
// columns.
func (qb *queryBuilder) searchClause(req *datasource.Request) (string, error) {
	raw, ok := req.Options["searchColumns"].([]interface{})
	if !ok || len(raw) == 0 {
		return "", errs.NewImplementation("postgres: search requires a searchColumns option")
	}
	pattern := qb.arg("%" + req.Search + "%")
	parts := make([]string, 0, len(raw))
	for _, entry := range raw {
		column, ok := entry.(string)
		if !ok {
			return "", errs.NewImplementation("postgres: searchColumns must be a string list")
		}
		if err := checkIdent(column); err != nil {
			return "", err
		}
		parts = append(parts, quoteIdent(column)+" ILIKE "+pattern)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func orderClause(order []datasource.Order) (string, error) {
	if len(order) == 0 {
		return "", nil
	}
	parts := make([]string, len(order))
	for i, o := range order {
		if err := checkIdent(o.Column); err != nil {
			return "", err
		}
		direction := "ASC"
		if o.Direction == "desc" {
			direction = "DESC"
		}
		parts[i] = quoteIdent(o.Column) + " " + direction
	}
	return strings.Join(parts, ", "), nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func checkIdent(name string) error {
	if name == "" || strings.ContainsAny(name, `";`) {
		return errs.NewImplementation("postgres: invalid identifier %q", name)
	}
	return nil
}
