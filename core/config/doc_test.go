package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docKeys(d *Doc) []string {
	keys := make([]string, 0, d.Len())
	for _, f := range d.Fields() {
		keys = append(keys, f.Key)
	}
	return keys
}

func TestParseJSONKeepsOrder(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"id":{},"title":{},"date":{},"author":{"resource":"user"}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title", "date", "author"}, docKeys(doc))

	author, ok := doc.Get("author")
	require.True(t, ok)
	ref, ok := author.(*Doc).Get("resource")
	require.True(t, ok)
	assert.Equal(t, "user", ref)
}

func TestParseJSONNumbers(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"defaultLimit":10,"weight":1.5}`))
	require.NoError(t, err)
	limit, _ := doc.Get("defaultLimit")
	assert.Equal(t, 10, limit)
	weight, _ := doc.Get("weight")
	assert.Equal(t, 1.5, weight)
}

func TestParseJSONErrors(t *testing.T) {
	_, err := ParseJSON([]byte(`[1,2]`))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`{"a":}`))
	assert.Error(t, err)
	_, err = ParseJSON([]byte(`{"a":1} trailing`))
	assert.Error(t, err)
}

func TestParseYAMLKeepsOrder(t *testing.T) {
	doc, err := ParseYAML([]byte(`
primaryKey: id
dataSources:
  primary:
    type: memory
attributes:
  id:
    type: int
  title: {}
  date: {}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"primaryKey", "dataSources", "attributes"}, docKeys(doc))

	attributes, ok := doc.Get("attributes")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "title", "date"}, docKeys(attributes.(*Doc)))
}

func TestParseXML(t *testing.T) {
	doc, err := ParseXML([]byte(`
<resource primaryKey="id" defaultLimit="10">
  <dataSources>
    <primary type="memory" collection="article"/>
  </dataSources>
  <attributes>
    <id type="int" filter="true"/>
    <title/>
    <author resource="user" parentKey="authorId" childKey="id"/>
  </attributes>
</resource>`))
	require.NoError(t, err)

	pk, _ := doc.Get("primaryKey")
	assert.Equal(t, "id", pk)
	limit, _ := doc.Get("defaultLimit")
	assert.Equal(t, 10, limit)

	attributes, ok := doc.Get("attributes")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "title", "author"}, docKeys(attributes.(*Doc)))

	id, _ := attributes.(*Doc).Get("id")
	filterable, _ := id.(*Doc).Get("filter")
	assert.Equal(t, true, filterable)

	title, _ := attributes.(*Doc).Get("title")
	assert.Equal(t, "", title)
}

func TestParseXMLRepeatedElements(t *testing.T) {
	doc, err := ParseXML([]byte(`
<resource>
  <subFilters attribute="author.id" rewriteTo="authorId"/>
  <subFilters attribute="video.id" rewriteTo="videoId"/>
</resource>`))
	require.NoError(t, err)
	subFilters, _ := doc.Get("subFilters")
	list, ok := subFilters.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestPlainLosesOrderButNotContent(t *testing.T) {
	doc, err := ParseJSON([]byte(`{"a":{"b":[1,"two",true]},"c":null}`))
	require.NoError(t, err)
	plain := doc.Plain()
	inner, ok := plain["a"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{1, "two", true}, inner["b"])
	assert.Contains(t, plain, "c")
	assert.Nil(t, plain["c"])
}
