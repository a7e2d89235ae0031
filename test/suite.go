// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package test runs the engine against real backends.

The suite starts postgres, zookeeper and kafka in containers, seeds a
small article corpus, and serves it through the full stack: resource
configurations, the postgres adapter, the kafka events plugin, the HTTP
server and the in-process client.
*/
package test

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/client"
	"github.com/relabs-tech/mosaik/core/datasource"
	"github.com/relabs-tech/mosaik/core/httpserver"
	"github.com/relabs-tech/mosaik/datasources/postgres"
	"github.com/relabs-tech/mosaik/plugins/kafkaevents"
)

const eventsTopic = "mosaik-events"

type mapSource map[string]string

func (s mapSource) List(ctx context.Context) ([]string, error) {
	var paths []string
	for path := range s {
		paths = append(paths, path)
	}
	return paths, nil
}

func (s mapSource) Read(ctx context.Context, path string) ([]byte, error) {
	return []byte(s[path]), nil
}

func testConfigs() mapSource {
	return mapSource{
		"article/config.yaml": `
primaryKey: id
defaultOrder: "date:asc"
maxLimit: 100
dataSources:
  primary:
    type: postgres
    table: articles
    fulltextSearch: true
    searchColumns: [title]
attributes:
  id:
    type: string
    filter: true
  title:
    filter: "equal,like"
  date:
    order: true
  views:
    type: int
    filter: true
  authorId:
    internal: true
    map: author_id
  author:
    resource: user
    parentKey: authorId
    childKey: id
  comments:
    resource: comment
    many: true
    parentKey: id
    childKey: articleId
`,
		"user/config.yaml": `
primaryKey: id
dataSources:
  primary:
    type: postgres
    table: users
attributes:
  id:
    type: string
  name:
    filter: true
`,
		"comment/config.yaml": `
primaryKey: id
dataSources:
  primary:
    type: postgres
    table: comments
attributes:
  id:
    type: string
  articleId:
    internal: true
    map: article_id
    filter: true
  text: {}
`,
	}
}

// IntegrationTestSuite owns the containers and the assembled engine.
type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	zooContainer      testcontainers.Container
	kafkaContainer    testcontainers.Container

	db        *postgres.DB
	api       *api.API
	client    client.Client
	kafkaConn *kafka.Conn
	kafkaAddr string
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := fmt.Sprintf("mosaik-test-network-%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	pgUser, pgPassword, pgDB := "testuser", "testpass", "testdb"
	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	s.db, err = postgres.OpenWithSchema(fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), pgUser, pgPassword, pgDB), "mosaik_test")
	s.Require().NoError(err)
	s.seed()

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.zooContainer = zooC

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,INTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,INTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,INTERNAL:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":       "INTERNAL",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(eventsTopic, 1))

	registry := datasource.NewRegistry()
	s.Require().NoError(registry.Register(postgres.Type, postgres.New(s.db)))

	s.api, err = api.New(api.Builder{
		Config:      testConfigs(),
		DataSources: registry,
		Plugins:     []api.Plugin{kafkaevents.New([]string{s.kafkaAddr}, eventsTopic)},
	})
	s.Require().NoError(err)
	s.Require().NoError(s.api.Init(ctx))

	server := httpserver.New(httpserver.Config{API: s.api})
	s.client = client.NewWithRouter(server.Handler())
}

func (s *IntegrationTestSuite) seed() {
	statements := []string{
		`CREATE TABLE mosaik_test.articles (
			id text PRIMARY KEY,
			title text,
			date text,
			views int,
			author_id text
		)`,
		`CREATE TABLE mosaik_test.users (
			id text PRIMARY KEY,
			name text
		)`,
		`CREATE TABLE mosaik_test.comments (
			id text PRIMARY KEY,
			article_id text,
			text text
		)`,
		`INSERT INTO mosaik_test.articles VALUES
			('a1', 'Planning query trees', '2024-03-01', 10, 'u1'),
			('a2', 'Joining across sources', '2024-04-12', 25, 'u2'),
			('a3', 'Search without a database', '2024-05-30', 5, 'u1')`,
		`INSERT INTO mosaik_test.users VALUES
			('u1', 'Ada'),
			('u2', 'Grace')`,
		`INSERT INTO mosaik_test.comments VALUES
			('k1', 'a1', 'nice'),
			('k2', 'a1', 'thanks'),
			('k3', 'a2', 'interesting')`,
	}
	for _, statement := range statements {
		_, err := s.db.Exec(statement)
		s.Require().NoError(err)
	}
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// newEventReader returns a reader positioned at the end of the events
// topic, so that the next ReadMessage yields the next produced event.
func (s *IntegrationTestSuite) newEventReader() *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: []string{s.kafkaAddr},
		Topic:   eventsTopic,
	})
	s.Require().NoError(reader.SetOffset(kafka.LastOffset))
	return reader
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()

	if s.api != nil {
		s.Require().NoError(s.api.Close(ctx))
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	for _, c := range []testcontainers.Container{s.kafkaContainer, s.zooContainer, s.postgresContainer} {
		if c != nil {
			s.Require().NoError(c.Terminate(ctx))
		}
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}
