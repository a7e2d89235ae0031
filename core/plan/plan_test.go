// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/request"
)

func validNode() *Node {
	return &Node{
		ResourceName:   "article",
		DataSourceName: "primary",
		DataSourceType: "memory",
		Request: &datasource.Request{
			Attributes: []string{"id", "title"},
			AttributeOptions: map[string]datasource.AttributeOption{
				"id":    {Type: "string"},
				"title": {},
			},
		},
	}
}

func TestPath(t *testing.T) {
	n := validNode()
	assert.Equal(t, "(root)", n.Path())
	n.AttributePath = []string{"author", "avatar"}
	assert.Equal(t, "author.avatar", n.Path())
}

func TestWalkOrder(t *testing.T) {
	root := validNode()
	sf := validNode()
	sf.AttributePath = []string{"filterTree"}
	sf.ParentKey = []string{"id"}
	sf.ChildKey = []string{"id"}
	child := validNode()
	child.AttributePath = []string{"author"}
	child.ParentKey = []string{"author_id"}
	child.ChildKey = []string{"id"}
	root.SubFilters = []*Node{sf}
	root.SubRequests = []*Node{child}

	var visited []string
	err := root.Walk(func(n *Node) error {
		visited = append(visited, n.Path())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"(root)", "filterTree", "author"}, visited)
}

func TestVerifyValid(t *testing.T) {
	root := validNode()
	child := validNode()
	child.AttributePath = []string{"author"}
	child.ParentKey = []string{"author_id"}
	child.ChildKey = []string{"id"}
	root.SubRequests = []*Node{child}
	require.NoError(t, root.Verify())
}

func TestVerifyKeyMismatch(t *testing.T) {
	root := validNode()
	child := validNode()
	child.ParentKey = []string{"a", "b"}
	child.ChildKey = []string{"id"}
	root.SubRequests = []*Node{child}
	assert.Error(t, root.Verify())
}

func TestVerifyMissingAttributeOptions(t *testing.T) {
	root := validNode()
	root.Request.Attributes = append(root.Request.Attributes, "extra")
	assert.Error(t, root.Verify())
}

func TestVerifyChildKeyNotProjected(t *testing.T) {
	root := validNode()
	child := validNode()
	child.ParentKey = []string{"author_id"}
	child.ChildKey = []string{"user_id"}
	root.SubRequests = []*Node{child}
	assert.Error(t, root.Verify())
}

func TestVerifySubFilterIndex(t *testing.T) {
	root := validNode()
	root.Request.Filter = datasource.DNF{{datasource.Filter{
		Columns:            []string{"id"},
		Operator:           request.OpEqual,
		ValueFromSubFilter: 0,
	}}}
	assert.Error(t, root.Verify(), "no sibling tree for index 0")

	sibling := validNode()
	sibling.ParentKey = []string{"id"}
	sibling.ChildKey = []string{"id"}
	root.SubFilters = []*Node{sibling}
	assert.NoError(t, root.Verify())

	sibling.ChildKey = []string{"id", "version"}
	sibling.ParentKey = []string{"id", "version"}
	sibling.Request.Attributes = []string{"id", "version"}
	sibling.Request.AttributeOptions["version"] = datasource.AttributeOption{}
	assert.Error(t, root.Verify(), "projection width differs from the placeholder")
}
