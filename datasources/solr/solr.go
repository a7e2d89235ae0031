// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package solr is a datasource adapter over a Solr select handler.

It is the typical fulltextSearch datasource of a resource: the request
search term becomes the main query, filters become fq clauses. Only the
operators a search index can answer are supported.
*/
package solr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/request"
)

// Type is the datasource type name the adapter registers under.
const Type = "solr"

// DataSource serves requests from a Solr instance. The "core" option of
// a datasource config names the Solr core.
type DataSource struct {
	baseURL string
	client  *http.Client
}

// New returns an adapter for the Solr instance at baseURL, e.g.
// "http://localhost:8983/solr".
func New(baseURL string) *DataSource {
	return &DataSource{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Prepare synthesizes the query parameters to validate the request.
func (d *DataSource) Prepare(ctx context.Context, req *datasource.Request) error {
	_, _, err := d.buildQuery(req)
	return err
}

// Process runs the select query and converts the documents to rows.
func (d *DataSource) Process(ctx context.Context, req *datasource.Request) (*datasource.Result, error) {
	core, params, err := d.buildQuery(req)
	if err != nil {
		return nil, err
	}

	u := d.baseURL + "/" + url.PathEscape(core) + "/select?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solr returned status %d: %s", resp.StatusCode, truncate(body))
	}

	var decoded struct {
		Response struct {
			NumFound int              `json:"numFound"`
			Docs     []datasource.Row `json:"docs"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("cannot decode solr response: %w", err)
	}

	result := &datasource.Result{TotalCount: &decoded.Response.NumFound}
	for _, doc := range decoded.Response.Docs {
		row := make(datasource.Row, len(req.Attributes))
		for _, column := range req.Attributes {
			row[column] = scalarize(doc[column])
		}
		result.Data = append(result.Data, row)
	}
	return result, nil
}

// Close is a no-op, the adapter holds no connections.
func (d *DataSource) Close() error { return nil }

// scalarize unwraps single-element Solr multi-value fields.
func scalarize(value interface{}) interface{} {
	if list, ok := value.([]interface{}); ok && len(list) == 1 {
		return list[0]
	}
	return value
}

func (d *DataSource) buildQuery(req *datasource.Request) (string, url.Values, error) {
	core, ok := req.Options["core"].(string)
	if !ok || core == "" {
		return "", nil, errs.NewImplementation("solr: missing core option")
	}
	if len(req.LimitPer) > 0 {
		return "", nil, errs.NewImplementation("solr: per-parent limits are not supported")
	}

	params := url.Values{}
	params.Set("wt", "json")
	params.Set("fl", strings.Join(req.Attributes, ","))
	if req.Search != "" {
		params.Set("q", req.Search)
		if df, ok := req.Options["defaultField"].(string); ok && df != "" {
			params.Set("df", df)
		}
	} else {
		params.Set("q", "*:*")
	}

	if len(req.Filter) > 0 {
		fq, err := dnfQuery(req.Filter)
		if err != nil {
			return "", nil, err
		}
		params.Add("fq", fq)
	}

	if len(req.Order) > 0 {
		parts := make([]string, len(req.Order))
		for i, o := range req.Order {
			direction := "asc"
			if o.Direction == "desc" {
				direction = "desc"
			}
			parts[i] = o.Column + " " + direction
		}
		params.Set("sort", strings.Join(parts, ", "))
	}

	if req.Limit != nil {
		params.Set("rows", strconv.Itoa(*req.Limit))
		if req.Page != nil && *req.Page > 1 {
			params.Set("start", strconv.Itoa((*req.Page-1)**req.Limit))
		}
	}
	return core, params, nil
}

func dnfQuery(dnf datasource.DNF) (string, error) {
	groups := make([]string, 0, len(dnf))
	for _, group := range dnf {
		terms := make([]string, 0, len(group))
		for _, f := range group {
			term, err := filterQuery(f)
			if err != nil {
				return "", err
			}
			terms = append(terms, term)
		}
		groups = append(groups, "("+strings.Join(terms, " AND ")+")")
	}
	return strings.Join(groups, " OR "), nil
}

func filterQuery(f datasource.Filter) (string, error) {
	if len(f.Columns) > 1 {
		return "", errs.NewImplementation("solr: composite key filters are not supported")
	}
	field := f.Columns[0]
	switch f.Operator {
	case request.OpEqual:
		if set, ok := f.Value.([]interface{}); ok {
			parts := make([]string, len(set))
			for i, value := range set {
				parts[i] = quoteTerm(value)
			}
			return field + ":(" + strings.Join(parts, " OR ") + ")", nil
		}
		return field + ":" + quoteTerm(f.Value), nil
	case request.OpNotEqual:
		return "-" + field + ":" + quoteTerm(f.Value), nil
	case request.OpLess:
		return field + ":[* TO " + rangeTerm(f.Value) + "}", nil
	case request.OpLessOrEqual:
		return field + ":[* TO " + rangeTerm(f.Value) + "]", nil
	case request.OpGreater:
		return field + ":{" + rangeTerm(f.Value) + " TO *]", nil
	case request.OpGreaterOrEqual:
		return field + ":[" + rangeTerm(f.Value) + " TO *]", nil
	case request.OpBetween:
		bounds, ok := f.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return "", errs.NewImplementation("solr: between requires a two-element bound list")
		}
		return field + ":[" + rangeTerm(bounds[0]) + " TO " + rangeTerm(bounds[1]) + "]", nil
	}
	return "", errs.NewImplementation("solr: unsupported operator %s", f.Operator)
}

func quoteTerm(value interface{}) string {
	s := fmt.Sprint(value)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func rangeTerm(value interface{}) string {
	return fmt.Sprint(value)
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
