// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package resolver

import (
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
	"github.com/relabs-tech/mosaik/core/request"
)

var testConfigs = map[string]string{
	"article": `
primaryKey: id
maxLimit: 50
defaultOrder: "date:desc"
subFilters:
  - attribute: author.id
    rewriteTo: authorId
dataSources:
  primary:
    type: memory
    collection: articles
  body:
    type: memory
    collection: bodies
  search:
    type: solr
    core: articles
    fulltextSearch: true
attributes:
  id:
    type: string
    filter: true
    map: "id;body:article_id;search:id"
  title:
    filter: "equal,like"
    order: asc
  date:
    order: true
    filter: "equal,less,lessOrEqual,greater,greaterOrEqual,between"
    map: "date;search:date"
  text:
    map: "body:text"
  secret:
    hidden: true
  teaser:
    depends: "secret"
  authorId:
    internal: true
    map: author_id
    filter: true
  author:
    resource: user
    parentKey: authorId
    childKey: id
  comments:
    resource: comment
    many: true
    parentKey: id
    childKey: articleId
    defaultLimit: 3
  categories:
    primaryKey: id
    parentKey: id
    childKey: id
    many: true
    joinVia: link
    defaultLimit: 2
    dataSources:
      primary:
        type: memory
        collection: categories
      link:
        type: memory
        collection: articleCategories
        parentKey: article_id
        childKey: category_id
    attributes:
      id:
        type: string
      label:
        filter: true
`,
	"user": `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: users
attributes:
  id:
    type: string
    filter: true
  name:
    filter: "equal,like"
    order: true
  email:
    hidden: true
  badge:
    depends: "{root}.secret"
`,
	"comment": `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: comments
attributes:
  id:
    type: string
  articleId:
    internal: true
    map: article_id
    filter: true
  date:
    order: true
  text: {}
`,
	"versioned": `
primaryKey: [key, version]
dataSources:
  primary:
    type: memory
    collection: versions
attributes:
  key:
    type: string
  version:
    type: int
`,
}

func mustConfigs(t *testing.T) map[string]*config.Node {
	t.Helper()
	configs := map[string]*config.Node{}
	for name, raw := range testConfigs {
		doc, err := config.ParseYAML([]byte(raw))
		require.NoError(t, err, name)
		node, err := config.FromDoc(name, doc)
		require.NoError(t, err, name)
		configs[name] = node
	}
	return configs
}

func mustSelect(t *testing.T, s string) map[string]*request.Select {
	t.Helper()
	sel, err := request.ParseSelect(s)
	require.NoError(t, err)
	return sel
}

func TestResolveUnknownResource(t *testing.T) {
	_, err := Resolve(request.New("ghost"), mustConfigs(t))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err))
	assert.Contains(t, err.Error(), "Unknown resource ghost")
}

func TestResolveListDefaults(t *testing.T) {
	resolved, err := Resolve(request.New("comment"), mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	assert.Equal(t, "comment", p.ResourceName)
	assert.Equal(t, "primary", p.DataSourceName)
	assert.Equal(t, "memory", p.DataSourceType)
	require.NotNil(t, p.Request.Limit)
	assert.Equal(t, 10, *p.Request.Limit)
	assert.Empty(t, p.Request.Order)
	assert.Equal(t, []string{"id"}, p.Request.Attributes)
	assert.Equal(t, "comments", p.Request.Options["collection"])

	// the implicit primary key stays visible without an explicit select
	id := resolved.Config.Attribute("id")
	assert.True(t, id.Selected)
	assert.False(t, id.Internal)
}

func TestResolveMaxLimitFallbackAndDefaultOrder(t *testing.T) {
	resolved, err := Resolve(request.New("article"), mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	require.NotNil(t, p.Request.Limit)
	assert.Equal(t, 50, *p.Request.Limit)
	assert.Equal(t, []datasource.Order{{Column: "date", Direction: "desc"}}, p.Request.Order)

	// ordering columns ride along internally
	assert.Equal(t, []string{"id", "date"}, p.Request.Attributes)
	date := resolved.Config.Attribute("date")
	assert.True(t, date.Selected)
	assert.True(t, date.Internal)
}

func TestResolveExplicitSelectHidesPrimaryKey(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "title")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	id := resolved.Config.Attribute("id")
	assert.True(t, id.Selected)
	assert.True(t, id.Internal)
	title := resolved.Config.Attribute("title")
	assert.True(t, title.Selected)
	assert.False(t, title.Internal)
	assert.Equal(t, "primary", title.SelectedDataSource)
}

func TestResolveSelectErrors(t *testing.T) {
	configs := mustConfigs(t)
	cases := map[string]string{
		"nope":           "Unknown attribute nope",
		"secret":         "Unknown attribute secret (hidden)",
		"title(limit=2)": "Invalid options on attribute title",
	}
	for sel, message := range cases {
		req := request.New("article")
		req.Select = mustSelect(t, sel)
		_, err := Resolve(req, configs)
		require.Error(t, err, sel)
		assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err), sel)
		assert.Contains(t, err.Error(), message, sel)
	}
}

func TestResolveLimitRules(t *testing.T) {
	configs := mustConfigs(t)

	req := request.New("article")
	req.Limit = pointers.IntPtr(80)
	_, err := Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid limit 80, maxLimit is 50")

	req = request.New("article")
	req.ID = "a1"
	req.Limit = pointers.IntPtr(1)
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid limit on a single resource")

	req = request.New("comment")
	req.Page = pointers.IntPtr(2)
	resolved, err := Resolve(req, configs)
	require.NoError(t, err)
	require.NotNil(t, resolved.Plan.Request.Page)

	req = request.New("article")
	req.ID = "a1"
	req.Page = pointers.IntPtr(2)
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid page without a limit")
}

func TestResolveOrderRules(t *testing.T) {
	configs := mustConfigs(t)

	req := request.New("article")
	req.Order = []request.Order{{Attribute: []string{"text"}, Direction: "asc"}}
	_, err := Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can not order by text")

	req = request.New("article")
	req.Order = []request.Order{{Attribute: []string{"title"}, Direction: "desc"}}
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can not order by title with direction desc")

	req = request.New("article")
	req.Order = []request.Order{{Attribute: []string{"title"}, Direction: "asc"}}
	resolved, err := Resolve(req, configs)
	require.NoError(t, err)
	assert.Equal(t, []datasource.Order{{Column: "title", Direction: "asc"}}, resolved.Plan.Request.Order)
}

func TestResolveSingleItem(t *testing.T) {
	req := request.New("article")
	req.ID = "a1"
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	assert.Nil(t, p.Request.Limit)
	require.Len(t, p.Request.Filter, 1)
	require.Len(t, p.Request.Filter[0], 1)
	term := p.Request.Filter[0][0]
	assert.Equal(t, []string{"id"}, term.Columns)
	assert.Equal(t, request.OpEqual, term.Operator)
	assert.Equal(t, "a1", term.Value)
	assert.Equal(t, -1, term.ValueFromSubFilter)
}

func TestResolveCompositeID(t *testing.T) {
	configs := mustConfigs(t)

	req := request.New("versioned")
	req.ID = "box-2"
	resolved, err := Resolve(req, configs)
	require.NoError(t, err)
	term := resolved.Plan.Request.Filter[0][0]
	assert.Equal(t, []string{"key", "version"}, term.Columns)
	assert.Equal(t, [][]interface{}{{"box", 2}}, term.Value)

	req = request.New("versioned")
	req.ID = "box"
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Invalid id "box"`)

	req = request.New("versioned")
	req.ID = "box-two"
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Invalid id "box-two"`)
}

func TestResolveSecondaryDataSource(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "text")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	require.Len(t, p.SubRequests, 1)
	secondary := p.SubRequests[0]
	assert.Equal(t, "article", secondary.ResourceName)
	assert.Equal(t, "body", secondary.DataSourceName)
	assert.Equal(t, []string{"id"}, secondary.ParentKey)
	assert.Equal(t, []string{"article_id"}, secondary.ChildKey)
	assert.True(t, secondary.UniqueChildKey)
	assert.Equal(t, []string{"article_id", "text"}, secondary.Request.Attributes)
	require.Len(t, secondary.Request.Filter, 1)
	assert.True(t, secondary.Request.Filter[0][0].ValueFromParentKey)

	text := resolved.Config.Attribute("text")
	assert.Equal(t, "body", text.SelectedDataSource)
}

func TestResolveSubResource(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "title,author[name]")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	assert.Equal(t, []string{"id", "title", "date", "author_id"}, p.Request.Attributes)
	require.Len(t, p.SubRequests, 1)

	child := p.SubRequests[0]
	assert.Equal(t, []string{"author"}, child.AttributePath)
	assert.Equal(t, "primary", child.DataSourceName)
	assert.Equal(t, []string{"author_id"}, child.ParentKey)
	assert.Equal(t, []string{"id"}, child.ChildKey)
	assert.True(t, child.UniqueChildKey)
	assert.Nil(t, child.Request.Limit)
	assert.Equal(t, []string{"id", "name"}, child.Request.Attributes)
	require.Len(t, child.Request.Filter, 1)
	assert.True(t, child.Request.Filter[0][0].ValueFromParentKey)

	// the include site was substituted on the clone
	author := resolved.Config.Attribute("author")
	assert.True(t, author.IsResource())
	assert.Equal(t, "user", author.ResourceOrigin)
	assert.Equal(t, "primary", author.ParentDataSource)
}

func TestResolveManyRelationLimitPer(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "comments")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	require.Len(t, resolved.Plan.SubRequests, 1)
	child := resolved.Plan.SubRequests[0]
	assert.Equal(t, []string{"id"}, child.ParentKey)
	assert.Equal(t, []string{"article_id"}, child.ChildKey)
	assert.False(t, child.UniqueChildKey)
	require.NotNil(t, child.Request.Limit)
	assert.Equal(t, 3, *child.Request.Limit)
	assert.Equal(t, []string{"article_id"}, child.Request.LimitPer)
}

func TestResolveSubFilterRewrite(t *testing.T) {
	req := request.New("article")
	req.Filter = request.FilterDNF{{{Attribute: []string{"author", "id"}, Operator: request.OpEqual, Value: "u1"}}}
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	assert.Empty(t, p.SubFilters)
	term := p.Request.Filter[0][0]
	assert.Equal(t, []string{"author_id"}, term.Columns)
	assert.Equal(t, "u1", term.Value)
	assert.Equal(t, -1, term.ValueFromSubFilter)
}

func TestResolveRelationFilter(t *testing.T) {
	req := request.New("article")
	req.Filter = request.FilterDNF{{{Attribute: []string{"author", "name"}, Operator: request.OpEqual, Value: "Ada"}}}
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	term := p.Request.Filter[0][0]
	assert.Equal(t, []string{"author_id"}, term.Columns)
	assert.Equal(t, 0, term.ValueFromSubFilter)

	require.Len(t, p.SubFilters, 1)
	side := p.SubFilters[0]
	assert.Equal(t, "primary", side.DataSourceName)
	assert.Equal(t, []string{"author_id"}, side.ParentKey)
	assert.Equal(t, []string{"id"}, side.ChildKey)
	assert.True(t, side.UniqueChildKey)
	assert.Equal(t, []string{"id"}, side.Request.Attributes)
	inner := side.Request.Filter[0][0]
	assert.Equal(t, []string{"name"}, inner.Columns)
	assert.Equal(t, "Ada", inner.Value)
}

func TestResolveFilterErrors(t *testing.T) {
	configs := mustConfigs(t)
	cases := []struct {
		filter  request.Filter
		message string
	}{
		{request.Filter{Attribute: []string{"nope"}, Operator: request.OpEqual, Value: "x"},
			"Unknown attribute nope in filter"},
		{request.Filter{Attribute: []string{"text"}, Operator: request.OpEqual, Value: "x"},
			"Can not filter by text"},
		{request.Filter{Attribute: []string{"title"}, Operator: request.OpLess, Value: "x"},
			"Can not filter by title with less"},
		{request.Filter{Attribute: []string{"author"}, Operator: request.OpEqual, Value: "x"},
			"Can not filter by author"},
	}
	for _, tc := range cases {
		req := request.New("article")
		req.Filter = request.FilterDNF{{tc.filter}}
		_, err := Resolve(req, configs)
		require.Error(t, err, tc.message)
		assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err), tc.message)
		assert.Contains(t, err.Error(), tc.message)
	}
}

func TestResolveSearch(t *testing.T) {
	configs := mustConfigs(t)

	req := request.New("article")
	req.Search = "trees"
	resolved, err := Resolve(req, configs)
	require.NoError(t, err)

	p := resolved.Plan
	assert.Equal(t, "search", p.DataSourceName)
	assert.Equal(t, "solr", p.DataSourceType)
	assert.Equal(t, "trees", p.Request.Search)
	assert.Equal(t, "articles", p.Request.Options["core"])

	req = request.New("comment")
	req.Search = "trees"
	_, err = Resolve(req, configs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can not search in resource comment")
}

func TestResolveHiddenAlwaysRejected(t *testing.T) {
	configs := mustConfigs(t)
	// selection maps iterate in random order; the expansion of teaser's
	// dependency on secret may run before or after the explicit item
	for i := 0; i < 100; i++ {
		req := request.New("article")
		req.Select = mustSelect(t, "teaser,secret")
		_, err := Resolve(req, configs)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, errs.StatusCode(err))
		assert.Contains(t, err.Error(), "Unknown attribute secret (hidden)")
	}
}

func TestResolveJoinViaRelation(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "categories[label]")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	require.Len(t, resolved.Plan.SubRequests, 1)
	join := resolved.Plan.SubRequests[0]
	assert.Equal(t, "link", join.DataSourceName)
	assert.Equal(t, []string{"categories"}, join.AttributePath)
	assert.Equal(t, []string{"id"}, join.ParentKey)
	assert.Equal(t, []string{"article_id"}, join.ChildKey)
	assert.Equal(t, []string{"article_id", "category_id"}, join.Request.Attributes)
	require.Len(t, join.Request.Filter, 1)
	assert.Equal(t, []string{"article_id"}, join.Request.Filter[0][0].Columns)
	assert.True(t, join.Request.Filter[0][0].ValueFromParentKey)

	// the per-parent limit caps join rows, not target rows
	require.NotNil(t, join.Request.Limit)
	assert.Equal(t, 2, *join.Request.Limit)
	assert.Equal(t, []string{"article_id"}, join.Request.LimitPer)

	require.Len(t, join.SubRequests, 1)
	target := join.SubRequests[0]
	assert.Equal(t, "primary", target.DataSourceName)
	assert.Equal(t, []string{"categories"}, target.AttributePath)
	assert.Equal(t, []string{"category_id"}, target.ParentKey)
	assert.Equal(t, []string{"id"}, target.ChildKey)
	assert.True(t, target.UniqueChildKey)
	assert.Nil(t, target.Request.Limit)
	assert.Contains(t, target.Request.Attributes, "label")
	assert.True(t, target.Request.Filter[0][0].ValueFromParentKey)
}

func TestResolveJoinViaSubFilter(t *testing.T) {
	req := request.New("article")
	req.Filter = request.FilterDNF{{{Attribute: []string{"categories", "label"}, Operator: request.OpEqual, Value: "go"}}}
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	p := resolved.Plan
	term := p.Request.Filter[0][0]
	assert.Equal(t, []string{"id"}, term.Columns)
	assert.Equal(t, 0, term.ValueFromSubFilter)

	// the side query chains join table and target resource
	require.Len(t, p.SubFilters, 1)
	joinSide := p.SubFilters[0]
	assert.Equal(t, "link", joinSide.DataSourceName)
	assert.Equal(t, []string{"article_id"}, joinSide.ChildKey)
	assert.Equal(t, []string{"article_id"}, joinSide.Request.Attributes)
	assert.Equal(t, []string{"category_id"}, joinSide.Request.Filter[0][0].Columns)
	assert.Equal(t, 0, joinSide.Request.Filter[0][0].ValueFromSubFilter)

	require.Len(t, joinSide.SubFilters, 1)
	targetSide := joinSide.SubFilters[0]
	assert.Equal(t, "primary", targetSide.DataSourceName)
	assert.Equal(t, []string{"id"}, targetSide.ChildKey)
	assert.True(t, targetSide.UniqueChildKey)
	inner := targetSide.Request.Filter[0][0]
	assert.Equal(t, []string{"label"}, inner.Columns)
	assert.Equal(t, "go", inner.Value)
}

func TestResolveRootDepends(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "author[badge]")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	// the dependency lands on the request root, flagged internal
	secret := resolved.Config.Attribute("secret")
	assert.True(t, secret.Selected)
	assert.True(t, secret.Internal)
	assert.Contains(t, resolved.Plan.Request.Attributes, "secret")

	badge := resolved.Config.Attribute("author").Attribute("badge")
	require.NotNil(t, badge)
	assert.True(t, badge.Selected)
	assert.False(t, badge.Internal)
}

func TestResolveDependsReachesHidden(t *testing.T) {
	req := request.New("article")
	req.Select = mustSelect(t, "teaser")
	resolved, err := Resolve(req, mustConfigs(t))
	require.NoError(t, err)

	secret := resolved.Config.Attribute("secret")
	assert.True(t, secret.Selected)
	assert.True(t, secret.Internal)
	assert.Contains(t, resolved.Plan.Request.Attributes, "secret")
}

func TestResolveDoesNotMutateConfigs(t *testing.T) {
	configs := mustConfigs(t)

	req := request.New("article")
	req.Select = mustSelect(t, "title,author[name],comments")
	_, err := Resolve(req, configs)
	require.NoError(t, err)

	article := configs["article"]
	assert.False(t, article.Selected)
	assert.False(t, article.Attribute("title").Selected)
	assert.Equal(t, "", article.Attribute("title").SelectedDataSource)
	assert.True(t, article.Attribute("author").IsInclude())
	assert.Nil(t, article.RequestOptions)

	pristine := mustConfigs(t)
	diff := cmp.Diff(pristine, configs,
		cmpopts.IgnoreUnexported(config.Node{}))
	assert.Empty(t, diff)
}
