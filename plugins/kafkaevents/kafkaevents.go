// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package kafkaevents forwards engine events to a Kafka topic.

Every finished request produces one message carrying resource, action,
outcome and the serialized logger context so that consumers can
correlate with the server logs.
*/
package kafkaevents

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/mosaik/core/api"
	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/logger"
)

// Message is the payload written to the topic.
type Message struct {
	Event         string          `json:"event"`
	Resource      string          `json:"resource"`
	Action        string          `json:"action"`
	Status        int             `json:"status"`
	Error         string          `json:"error,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	LoggerContext json.RawMessage `json:"loggerContext"`
}

// Plugin writes request outcomes to a Kafka topic.
type Plugin struct {
	writer *kafka.Writer
}

// New returns a plugin writing to topic via the given brokers.
func New(brokers []string, topic string) *Plugin {
	return &Plugin{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// Name implements api.Plugin.
func (p *Plugin) Name() string { return "kafkaevents" }

// Init subscribes to the response event.
func (p *Plugin) Init(ctx context.Context, a *api.API) error {
	return a.On(api.EventResponse, func(ctx context.Context, payload interface{}) error {
		event, ok := payload.(*api.ResponseEvent)
		if !ok {
			return nil
		}
		return p.forward(ctx, event)
	})
}

func (p *Plugin) forward(ctx context.Context, event *api.ResponseEvent) error {
	msg := Message{
		Event:         string(api.EventResponse),
		Resource:      event.Request.Resource,
		Action:        event.Request.Action,
		Timestamp:     time.Now().UTC(),
		LoggerContext: logger.SerializeLoggerContext(ctx),
	}
	if event.Err != nil {
		msg.Status = errs.StatusCode(event.Err)
		msg.Error = event.Err.Error()
	} else {
		msg.Status = event.Response.Meta.StatusCode
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Resource),
		Value: value,
	})
}

// Close flushes and closes the writer.
func (p *Plugin) Close() error {
	return p.writer.Close()
}
