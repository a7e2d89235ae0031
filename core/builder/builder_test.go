// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package builder

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mosaik/core/config"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/request"
	"github.com/relabs-tech/mosaik/core/resolver"
	"github.com/relabs-tech/mosaik/core/response"
)

var testConfigs = map[string]string{
	"article": `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: articles
  body:
    type: memory
    collection: bodies
attributes:
  id:
    type: string
    map: "id;body:article_id"
  title: {}
  text:
    map: "body:text"
  authorId:
    internal: true
    map: author_id
  meta:
    attributes:
      teaser:
        map: "body:teaser"
  author:
    resource: user
    parentKey: authorId
    childKey: id
  comments:
    resource: comment
    many: true
    parentKey: id
    childKey: articleId
  tagIds:
    internal: true
    map: tag_ids
  tags:
    resource: tag
    many: true
    multiValued: true
    parentKey: tagIds
    childKey: id
  categories:
    primaryKey: id
    parentKey: id
    childKey: id
    many: true
    joinVia: link
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
      label: {}
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
  name: {}
`,
	"tag": `
primaryKey: id
dataSources:
  primary:
    type: memory
    collection: tags
attributes:
  id:
    type: string
  name: {}
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
  text: {}
`,
}

func mustResolve(t *testing.T, req *request.Request) *resolver.Resolved {
	t.Helper()
	configs := map[string]*config.Node{}
	for name, raw := range testConfigs {
		doc, err := config.ParseYAML([]byte(raw))
		require.NoError(t, err, name)
		node, err := config.FromDoc(name, doc)
		require.NoError(t, err, name)
		configs[name] = node
	}
	resolved, err := resolver.Resolve(req, configs)
	require.NoError(t, err)
	return resolved
}

func listRequest(t *testing.T, sel string) *request.Request {
	t.Helper()
	req := request.New("article")
	parsed, err := request.ParseSelect(sel)
	require.NoError(t, err)
	req.Select = parsed
	return req
}

func TestBuildList(t *testing.T) {
	req := listRequest(t, "title,author[name]")
	resolved := mustResolve(t, req)

	total := 2
	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data: []datasource.Row{
				{"id": "a1", "title": "Planning", "author_id": "u1"},
				{"id": "a2", "title": "Joining", "author_id": nil},
			},
			TotalCount: &total,
		},
		{
			AttributePath:  []string{"author"},
			DataSourceName: "primary",
			ChildKey:       []string{"id"},
			UniqueChildKey: true,
			Data: []datasource.Row{
				{"id": "u1", "name": "Ada"},
				{"id": "u2", "name": "Grace"},
			},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Cursor)
	require.NotNil(t, resp.Cursor.TotalCount)
	assert.Equal(t, 2, *resp.Cursor.TotalCount)

	items, ok := resp.Data.([]*response.Object)
	require.True(t, ok)
	require.Len(t, items, 2)

	// internal selections stay out of the response
	assert.Equal(t, []string{"title", "author"}, items[0].Keys())

	title, _ := items[0].Get("title")
	assert.Equal(t, "Planning", title)
	author, _ := items[0].Get("author")
	authorObj, ok := author.(*response.Object)
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, authorObj.Keys())
	name, _ := authorObj.Get("name")
	assert.Equal(t, "Ada", name)

	// a null parent key resolves to a null relation, the key stays
	author2, present := items[1].Get("author")
	assert.True(t, present)
	assert.Nil(t, author2)
}

func TestBuildSingleItemNotFound(t *testing.T) {
	req := request.New("article")
	req.ID = "nope"
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{{DataSourceName: "primary"}}
	_, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, errs.StatusCode(err))
	assert.Contains(t, err.Error(), "Requested item not found")
}

func TestBuildSecondaryDataSource(t *testing.T) {
	req := listRequest(t, "text")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1"}, {"id": "a2"}},
		},
		{
			DataSourceName: "body",
			ChildKey:       []string{"article_id"},
			UniqueChildKey: true,
			Data:           []datasource.Row{{"article_id": "a1", "text": "full text"}},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	items := resp.Data.([]*response.Object)
	require.Len(t, items, 2)

	text, _ := items[0].Get("text")
	assert.Equal(t, "full text", text)

	// a missing secondary row is recoverable and shows as null
	text2, present := items[1].Get("text")
	assert.True(t, present)
	assert.Nil(t, text2)
}

func TestBuildGroupOverSecondaryDataSource(t *testing.T) {
	req := listRequest(t, "meta[teaser]")
	resolved := mustResolve(t, req)

	// the secondary result lives at the resource path, not the group path
	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1"}, {"id": "a2"}},
		},
		{
			DataSourceName: "body",
			ChildKey:       []string{"article_id"},
			UniqueChildKey: true,
			Data:           []datasource.Row{{"article_id": "a1", "teaser": "short"}},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	items := resp.Data.([]*response.Object)
	require.Len(t, items, 2)

	meta, _ := items[0].Get("meta")
	group, ok := meta.(*response.Object)
	require.True(t, ok)
	teaser, _ := group.Get("teaser")
	assert.Equal(t, "short", teaser)

	meta2, _ := items[1].Get("meta")
	group2, ok := meta2.(*response.Object)
	require.True(t, ok)
	teaser2, present := group2.Get("teaser")
	assert.True(t, present)
	assert.Nil(t, teaser2)
}

func TestBuildManyRelation(t *testing.T) {
	req := listRequest(t, "comments")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1"}, {"id": "a2"}},
		},
		{
			AttributePath:  []string{"comments"},
			DataSourceName: "primary",
			ChildKey:       []string{"article_id"},
			Data: []datasource.Row{
				{"id": "k1", "article_id": "a1"},
				{"id": "k2", "article_id": "a1"},
			},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	items := resp.Data.([]*response.Object)
	require.Len(t, items, 2)

	comments, _ := items[0].Get("comments")
	list, ok := comments.([]*response.Object)
	require.True(t, ok)
	require.Len(t, list, 2)
	id, _ := list[0].Get("id")
	assert.Equal(t, "k1", id)

	// no matching rows means an empty list, not null
	comments2, _ := items[1].Get("comments")
	list2, ok := comments2.([]*response.Object)
	require.True(t, ok)
	assert.Empty(t, list2)
}

func TestBuildJoinViaRelation(t *testing.T) {
	req := listRequest(t, "categories[label]")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1"}, {"id": "a2"}},
		},
		{
			AttributePath:  []string{"categories"},
			DataSourceName: "link",
			ChildKey:       []string{"article_id"},
			Data: []datasource.Row{
				{"article_id": "a1", "category_id": "c1"},
				{"article_id": "a1", "category_id": "c2"},
				{"article_id": "a1", "category_id": "c9"},
			},
		},
		{
			AttributePath:  []string{"categories"},
			DataSourceName: "primary",
			ChildKey:       []string{"id"},
			UniqueChildKey: true,
			Data: []datasource.Row{
				{"id": "c1", "label": "go"},
				{"id": "c2", "label": "databases"},
			},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	items := resp.Data.([]*response.Object)
	require.Len(t, items, 2)

	categories, _ := items[0].Get("categories")
	list, ok := categories.([]*response.Object)
	require.True(t, ok)
	// the dangling join row c9 is skipped
	require.Len(t, list, 2)
	label, _ := list[0].Get("label")
	assert.Equal(t, "go", label)
	label2, _ := list[1].Get("label")
	assert.Equal(t, "databases", label2)

	categories2, _ := items[1].Get("categories")
	list2, ok := categories2.([]*response.Object)
	require.True(t, ok)
	assert.Empty(t, list2)
}

func TestBuildMultiValuedRelation(t *testing.T) {
	req := listRequest(t, "tags[name]")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data: []datasource.Row{
				{"id": "a1", "tag_ids": "t1, t2,"},
				{"id": "a2", "tag_ids": nil},
			},
		},
		{
			AttributePath:  []string{"tags"},
			DataSourceName: "primary",
			ChildKey:       []string{"id"},
			Data: []datasource.Row{
				{"id": "t1", "name": "go"},
				{"id": "t2", "name": "sql"},
			},
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.NoError(t, err)
	items := resp.Data.([]*response.Object)
	require.Len(t, items, 2)

	tags, _ := items[0].Get("tags")
	list, ok := tags.([]*response.Object)
	require.True(t, ok)
	require.Len(t, list, 2)
	name, _ := list[0].Get("name")
	assert.Equal(t, "go", name)
	name2, _ := list[1].Get("name")
	assert.Equal(t, "sql", name2)

	// a null multi-valued key resolves to an empty list
	tags2, _ := items[1].Get("tags")
	list2, ok := tags2.([]*response.Object)
	require.True(t, ok)
	assert.Empty(t, list2)
}

func TestBuildMissingResultIsFatal(t *testing.T) {
	req := listRequest(t, "title,author[name]")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1", "title": "Planning", "author_id": "u1"}},
		},
	}

	_, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, errs.StatusCode(err))
	assert.Contains(t, err.Error(), "missing result for datasource primary at author")
}

func TestBuildRowMissingChildKey(t *testing.T) {
	req := listRequest(t, "author[name]")
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1", "author_id": "u1"}},
		},
		{
			AttributePath:  []string{"author"},
			DataSourceName: "primary",
			ChildKey:       []string{"id"},
			UniqueChildKey: true,
			Data:           []datasource.Row{{"name": "Ada"}},
		},
	}

	_, err := Build(context.Background(), req, raw, resolved.Config, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "childKey")
}

func TestBuildItemHook(t *testing.T) {
	req := request.New("article")
	req.ID = "a1"
	resolved := mustResolve(t, req)

	raw := []*datasource.RawResult{
		{
			DataSourceName: "primary",
			Data:           []datasource.Row{{"id": "a1"}},
		},
	}

	hooks := map[string]ItemHook{
		"article": func(ctx context.Context, req *request.Request, item *response.Object) error {
			if id, ok := item.Get("id"); ok {
				item.Set("link", "/article/"+id.(string))
			}
			return nil
		},
	}

	resp, err := Build(context.Background(), req, raw, resolved.Config, hooks)
	require.NoError(t, err)
	item, ok := resp.Data.(*response.Object)
	require.True(t, ok)
	link, _ := item.Get("link")
	assert.Equal(t, "/article/a1", link)
}

func TestKeyNormalization(t *testing.T) {
	assert.Equal(t, "7", normalizeKeyValue(float64(7)))
	assert.Equal(t, "7.5", normalizeKeyValue(7.5))
	assert.Equal(t, "7", normalizeKeyValue(int64(7)))
	assert.Equal(t, "x", normalizeKeyValue([]byte("x")))
	assert.Equal(t, "a-1", joinKey([]interface{}{"a", float64(1)}))
}
