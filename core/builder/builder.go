// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package builder stitches flat raw results back into the nested response
object.

The builder walks the resolver's annotated resource clone. Rows are
joined by composite key strings; a missing secondary row surfaces the
attribute as null, a missing secondary result set is a violated
contract. Attributes selected only to satisfy a dependency never reach
the response.
*/
package builder

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/response"
)

// keySeparator joins composite key values into one index string.
const keySeparator = "-"

// ItemHook is a per-item extension. It runs after an item of its
// resource is fully assembled and may mutate it.
type ItemHook func(ctx context.Context, req *request.Request, item *response.Object) error

// Build assembles the response for a request from the raw results and
// the resolved configuration the resolver produced for it. hooks maps
// top-level resource names to their item extension and may be nil.
func Build(ctx context.Context, req *request.Request, raw []*datasource.RawResult, resolved *config.Node, hooks map[string]ItemHook) (*response.Response, error) {
	b := &builder{
		ctx:     ctx,
		req:     req,
		hooks:   hooks,
		results: map[string]*indexedResult{},
	}
	for _, result := range raw {
		indexed, err := indexResult(result)
		if err != nil {
			return nil, err
		}
		b.results[resultKey(result.AttributePath, result.DataSourceName)] = indexed
	}

	root, err := b.lookup(nil, resolved.SelectedDataSource)
	if err != nil {
		return nil, err
	}

	resp := response.New()
	if req.SingleItem() {
		if len(root.raw.Data) == 0 {
			return nil, errs.NewNotFound("Requested item not found")
		}
		if len(root.raw.Data) > 1 {
			logger.FromContext(ctx).Debugf("single-item request for %s matched %d rows, using the first",
				req.Resource, len(root.raw.Data))
		}
		item, err := b.buildItem(resolved, root.raw.Data[0], nil)
		if err != nil {
			return nil, err
		}
		resp.Data = item
		return resp, nil
	}

	items := make([]*response.Object, 0, len(root.raw.Data))
	for _, row := range root.raw.Data {
		item, err := b.buildItem(resolved, row, nil)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	resp.Data = items
	resp.Cursor = &response.Cursor{TotalCount: root.raw.TotalCount}
	return resp, nil
}

type builder struct {
	ctx     context.Context
	req     *request.Request
	hooks   map[string]ItemHook
	results map[string]*indexedResult
}

// indexedResult is one raw result with its rows indexed by child key.
type indexedResult struct {
	raw   *datasource.RawResult
	byKey map[string][]datasource.Row
}

// indexResult builds the child-key index of one raw result. Rows of
// unique-key results overwrite silently, last write wins; rows of 1:n
// results accumulate in adapter order.
func indexResult(result *datasource.RawResult) (*indexedResult, error) {
	indexed := &indexedResult{raw: result}
	if len(result.ChildKey) == 0 {
		return indexed, nil
	}
	indexed.byKey = make(map[string][]datasource.Row, len(result.Data))
	for _, row := range result.Data {
		key, err := rowKey(row, result.ChildKey)
		if err != nil {
			return nil, errs.NewData(result.AttributePath, result.DataSourceName,
				"row is missing childKey column: %s", err)
		}
		if result.UniqueChildKey {
			indexed.byKey[key] = []datasource.Row{row}
		} else {
			indexed.byKey[key] = append(indexed.byKey[key], row)
		}
	}
	return indexed, nil
}

// lookup returns the raw result for a path and datasource. Its absence
// means the resolver/executor contract was broken.
func (b *builder) lookup(path []string, dataSourceName string) (*indexedResult, error) {
	indexed, ok := b.results[resultKey(path, dataSourceName)]
	if !ok {
		return nil, errs.NewImplementation("missing result for datasource %s at %s",
			dataSourceName, pathString(path))
	}
	return indexed, nil
}

// buildItem assembles one item of a resource from its primary row.
func (b *builder) buildItem(res *config.Node, row datasource.Row, path []string) (*response.Object, error) {
	primaryDS := res.SelectedDataSource
	pkColumns := res.ResolvedPrimaryKey[primaryDS]
	pk, err := rowKey(row, pkColumns)
	if err != nil {
		return nil, errs.NewData(path, primaryDS, "row is missing primary key column: %s", err)
	}

	item := response.NewObject()
	secondaries := map[string]datasource.Row{}
	if err := b.buildAttributes(res, res, row, pk, secondaries, item, path, path); err != nil {
		return nil, err
	}

	if hook, ok := b.hooks[res.ResourceOrigin]; ok && hook != nil {
		if err := hook(b.ctx, b.req, item); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// buildAttributes emits the selected children of one node in
// declaration order. owner differs from res inside attribute groups,
// which also makes path diverge from resPath: secondary results are
// recorded at the resource path, never at group paths.
func (b *builder) buildAttributes(res, owner *config.Node, row datasource.Row, pk string, secondaries map[string]datasource.Row, item *response.Object, resPath, path []string) error {
	for _, attr := range owner.Attributes {
		if !attr.Selected || attr.Internal {
			continue
		}
		attrPath := append(append([]string(nil), path...), attr.Name)
		switch {
		case attr.IsResource():
			value, err := b.buildRelation(res, attr, row, secondaries, resPath, attrPath)
			if err != nil {
				return err
			}
			item.Set(attr.Name, value)
		case attr.IsInclude():
			// unsubstituted includes are never selected
		case attr.HasValue:
			item.Set(attr.Name, attr.Value)
		case attr.IsLeaf():
			value, err := b.leafValue(res, attr, row, pk, secondaries, resPath, attrPath)
			if err != nil {
				return err
			}
			item.Set(attr.Name, value)
		default:
			group := response.NewObject()
			if err := b.buildAttributes(res, attr, row, pk, secondaries, group, resPath, attrPath); err != nil {
				return err
			}
			item.Set(attr.Name, group)
		}
	}
	return nil
}

// leafValue reads one attribute value from the primary row or from the
// matching secondary datasource row.
func (b *builder) leafValue(res, attr *config.Node, row datasource.Row, pk string, secondaries map[string]datasource.Row, resPath, path []string) (interface{}, error) {
	dsName := attr.SelectedDataSource
	column := attr.Map[dsName]
	if dsName == res.SelectedDataSource {
		value, ok := row[column]
		if !ok {
			return nil, errs.NewData(path, dsName, "row is missing column %s", column)
		}
		return value, nil
	}

	secondaryRow, err := b.secondaryRow(res, dsName, pk, secondaries, resPath, path)
	if err != nil {
		return nil, err
	}
	if secondaryRow == nil {
		return nil, nil
	}
	value, ok := secondaryRow[column]
	if !ok {
		return nil, errs.NewData(path, dsName, "row is missing column %s", column)
	}
	return value, nil
}

// secondaryRow returns the row of a secondary datasource matching the
// current primary key. A missing row is recoverable: the caller emits
// null and the incident goes to the debug log.
func (b *builder) secondaryRow(res *config.Node, dsName, pk string, secondaries map[string]datasource.Row, resPath, path []string) (datasource.Row, error) {
	if row, ok := secondaries[dsName]; ok {
		return row, nil
	}
	indexed, err := b.lookup(resPath, dsName)
	if err != nil {
		return nil, err
	}
	rows := indexed.byKey[pk]
	if len(rows) == 0 {
		logger.FromContext(b.ctx).Debugf("%s", errs.NewData(path, dsName,
			"no row for key %s", pk).Recoverable())
		secondaries[dsName] = nil
		return nil, nil
	}
	secondaries[dsName] = rows[0]
	return rows[0], nil
}

// buildRelation assembles a selected sub-resource: a list for 1:n, an
// object or null for 1:1.
func (b *builder) buildRelation(res, rel *config.Node, row datasource.Row, secondaries map[string]datasource.Row, resPath, path []string) (interface{}, error) {
	// the join values live in the datasource owning the parent key
	joinRow := row
	if rel.ParentDataSource != res.SelectedDataSource {
		pkColumns := res.ResolvedPrimaryKey[res.SelectedDataSource]
		pk, err := rowKey(row, pkColumns)
		if err != nil {
			return nil, errs.NewData(path, res.SelectedDataSource, "row is missing primary key column: %s", err)
		}
		joinRow, err = b.secondaryRow(res, rel.ParentDataSource, pk, secondaries, resPath, path)
		if err != nil {
			return nil, err
		}
		if joinRow == nil {
			return b.emptyRelation(rel), nil
		}
	}

	parentValues := make([]interface{}, len(rel.ResolvedParentKey))
	allNull := true
	anyNull := false
	for i, column := range rel.ResolvedParentKey {
		value, ok := joinRow[column]
		if !ok {
			return nil, errs.NewData(path, rel.ParentDataSource, "row is missing column %s", column)
		}
		parentValues[i] = value
		if value == nil {
			anyNull = true
		} else {
			allNull = false
		}
	}
	if anyNull {
		if !allNull && !rel.Many {
			logger.FromContext(b.ctx).Debugf("%s", errs.NewData(path, rel.ParentDataSource,
				"partially null parent key").Recoverable())
		}
		return b.emptyRelation(rel), nil
	}

	if rel.JoinVia != "" {
		return b.buildJoinViaRelation(rel, parentValues, path)
	}
	if rel.MultiValued {
		return b.buildMultiValuedRelation(rel, parentValues, path)
	}

	indexed, err := b.lookup(path, rel.SelectedDataSource)
	if err != nil {
		return nil, err
	}
	key := joinKey(parentValues)
	rows := indexed.byKey[key]

	if rel.Many {
		items := make([]*response.Object, 0, len(rows))
		for _, subRow := range rows {
			item, err := b.buildItem(rel, subRow, path)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}

	if len(rows) == 0 {
		logger.FromContext(b.ctx).Debugf("%s", errs.NewData(path, rel.SelectedDataSource,
			"no row for key %s", key).Recoverable())
		return nil, nil
	}
	return b.buildItem(rel, rows[0], path)
}

// buildJoinViaRelation traverses the join table's raw result and then
// the target resource's raw result.
func (b *builder) buildJoinViaRelation(rel *config.Node, parentValues []interface{}, path []string) (interface{}, error) {
	join := rel.DataSources[rel.JoinVia]
	joinIndexed, err := b.lookup(path, rel.JoinVia)
	if err != nil {
		return nil, err
	}
	targetIndexed, err := b.lookup(path, rel.SelectedDataSource)
	if err != nil {
		return nil, err
	}

	items := []*response.Object{}
	for _, joinRow := range joinIndexed.byKey[joinKey(parentValues)] {
		childValues := make([]interface{}, len(join.JoinChildKey))
		for i, column := range join.JoinChildKey {
			value, ok := joinRow[column]
			if !ok {
				return nil, errs.NewData(path, rel.JoinVia, "row is missing column %s", column)
			}
			childValues[i] = value
		}
		rows := targetIndexed.byKey[joinKey(childValues)]
		if len(rows) == 0 {
			logger.FromContext(b.ctx).Debugf("%s", errs.NewData(path, rel.SelectedDataSource,
				"no row for key %s", joinKey(childValues)).Recoverable())
			continue
		}
		item, err := b.buildItem(rel, rows[0], path)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// buildMultiValuedRelation splits the delimited parent value and joins
// each part on its own.
func (b *builder) buildMultiValuedRelation(rel *config.Node, parentValues []interface{}, path []string) (interface{}, error) {
	indexed, err := b.lookup(path, rel.SelectedDataSource)
	if err != nil {
		return nil, err
	}
	list, ok := parentValues[0].(string)
	if !ok {
		return nil, errs.NewData(path, rel.ParentDataSource, "multi-valued parent key is not a string")
	}
	delimiter := rel.Delimiter
	if delimiter == "" {
		delimiter = ","
	}

	items := []*response.Object{}
	for _, part := range strings.Split(list, delimiter) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rows := indexed.byKey[part]
		if len(rows) == 0 {
			logger.FromContext(b.ctx).Debugf("%s", errs.NewData(path, rel.SelectedDataSource,
				"no row for key %s", part).Recoverable())
			continue
		}
		item, err := b.buildItem(rel, rows[0], path)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func (b *builder) emptyRelation(rel *config.Node) interface{} {
	if rel.Many {
		return []*response.Object{}
	}
	return nil
}

// rowKey joins the named columns of a row into one key string. An
// absent or null column is an error, such a row cannot be linked.
func rowKey(row datasource.Row, columns []string) (string, error) {
	parts := make([]string, len(columns))
	for i, column := range columns {
		value, ok := row[column]
		if !ok || value == nil {
			return "", fmt.Errorf("%s", column)
		}
		parts[i] = normalizeKeyValue(value)
	}
	return strings.Join(parts, keySeparator), nil
}

func joinKey(values []interface{}) string {
	parts := make([]string, len(values))
	for i, value := range values {
		parts[i] = normalizeKeyValue(value)
	}
	return strings.Join(parts, keySeparator)
}

// normalizeKeyValue renders a key value in a canonical form so that an
// int64 from one adapter and a float64 from another produce the same
// index string.
func normalizeKeyValue(value interface{}) string {
	switch t := value.(type) {
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return normalizeKeyValue(float64(t))
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(value)
	}
}

func resultKey(path []string, dataSourceName string) string {
	return strings.Join(path, ".") + "|" + dataSourceName
}

func pathString(path []string) string {
	if len(path) == 0 {
		return "(root)"
	}
	return strings.Join(path, ".")
}
