// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/mosaik/core/response"
	"github.com/relabs-tech/mosaik/plugins/kafkaevents"
)

type RetrieveTestSuite struct {
	IntegrationTestSuite
}

func TestRetrieveTestSuite(t *testing.T) {
	suite.Run(t, &RetrieveTestSuite{})
}

func (s *RetrieveTestSuite) items(resp *response.Response) []map[string]interface{} {
	raw, ok := resp.Data.([]interface{})
	s.Require().True(ok)
	items := make([]map[string]interface{}, len(raw))
	for i, entry := range raw {
		item, ok := entry.(map[string]interface{})
		s.Require().True(ok)
		items[i] = item
	}
	return items
}

func (s *RetrieveTestSuite) TestList() {
	var resp response.Response
	status, err := s.client.Resource("article").WithSelect("id,title,views").List(&resp)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)
	s.Require().NotNil(resp.Cursor)
	s.Require().NotNil(resp.Cursor.TotalCount)
	s.Equal(3, *resp.Cursor.TotalCount)

	items := s.items(&resp)
	s.Require().Len(items, 3)
	// default order is date ascending
	s.Equal("a1", items[0]["id"])
	s.Equal("a3", items[2]["id"])
	s.Equal("Planning query trees", items[0]["title"])
	s.Equal(float64(10), items[0]["views"])
}

func (s *RetrieveTestSuite) TestItemWithSubResources() {
	var resp response.Response
	status, err := s.client.Resource("article").
		WithSelect("title,author[name],comments[text]").
		Item("a1", &resp)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, status)

	item, ok := resp.Data.(map[string]interface{})
	s.Require().True(ok)
	s.Equal("Planning query trees", item["title"])

	author, ok := item["author"].(map[string]interface{})
	s.Require().True(ok)
	s.Equal("Ada", author["name"])

	comments, ok := item["comments"].([]interface{})
	s.Require().True(ok)
	s.Require().Len(comments, 2)
	first, ok := comments[0].(map[string]interface{})
	s.Require().True(ok)
	s.Equal("nice", first["text"])
}

func (s *RetrieveTestSuite) TestEmptyRelationList() {
	var resp response.Response
	_, err := s.client.Resource("article").
		WithSelect("comments").
		Item("a3", &resp)
	s.Require().NoError(err)

	item := resp.Data.(map[string]interface{})
	comments, ok := item["comments"].([]interface{})
	s.Require().True(ok)
	s.Empty(comments)
}

func (s *RetrieveTestSuite) TestFilter() {
	var resp response.Response
	_, err := s.client.Resource("article").
		WithSelect("id").
		WithFilter("views>=10").
		List(&resp)
	s.Require().NoError(err)

	items := s.items(&resp)
	s.Require().Len(items, 2)
	s.Equal("a1", items[0]["id"])
	s.Equal("a2", items[1]["id"])
}

func (s *RetrieveTestSuite) TestRelationFilter() {
	var resp response.Response
	_, err := s.client.Resource("article").
		WithSelect("id").
		WithFilter(`author.name="Ada"`).
		List(&resp)
	s.Require().NoError(err)

	items := s.items(&resp)
	s.Require().Len(items, 2)
	s.Equal("a1", items[0]["id"])
	s.Equal("a3", items[1]["id"])
}

func (s *RetrieveTestSuite) TestOrderLimitPage() {
	var resp response.Response
	_, err := s.client.Resource("article").
		WithSelect("id").
		WithParameter("order", "date:desc").
		WithParameter("limit", "2").
		WithParameter("page", "2").
		List(&resp)
	s.Require().NoError(err)

	items := s.items(&resp)
	s.Require().Len(items, 1)
	s.Equal("a1", items[0]["id"])
	s.Require().NotNil(resp.Cursor.TotalCount)
	s.Equal(3, *resp.Cursor.TotalCount)
}

func (s *RetrieveTestSuite) TestSearch() {
	var resp response.Response
	_, err := s.client.Resource("article").
		WithSelect("id").
		WithParameter("search", "planning").
		List(&resp)
	s.Require().NoError(err)

	items := s.items(&resp)
	s.Require().Len(items, 1)
	s.Equal("a1", items[0]["id"])
}

func (s *RetrieveTestSuite) TestNotFound() {
	status, err := s.client.Resource("article").Item("ghost", nil)
	s.Equal(http.StatusNotFound, status)
	s.Require().Error(err)
	s.Contains(err.Error(), "Requested item not found")
}

func (s *RetrieveTestSuite) TestEventForwarding() {
	reader := s.newEventReader()
	defer reader.Close()

	_, err := s.client.Resource("article").Item("a1", nil)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	raw, err := reader.ReadMessage(ctx)
	s.Require().NoError(err)

	var msg kafkaevents.Message
	s.Require().NoError(json.Unmarshal(raw.Value, &msg))
	s.Equal("article", msg.Resource)
	s.Equal(http.StatusOK, msg.Status)
	s.Empty(msg.Error)
	s.Equal([]byte("article"), raw.Key)
}
