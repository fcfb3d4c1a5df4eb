// Package ingest consumes telemetry from a Kafka stream and feeds it into
// the same ingestion pipeline as the HTTP surface. Delivery is at least
// once; the window aggregation downstream is tolerant of replays because
// duplicate timestamps collapse into the same window position.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

// ReadingSink accepts decoded readings. Implemented by the API service so
// stream and HTTP producers share one ingestion contract.
type ReadingSink interface {
	SubmitReading(ctx context.Context, sensorID string, r contracts.Reading) error
}

// Envelope is the wire shape of one reading on the stream. Producers key
// messages by sensor id, so per-sensor ordering holds within a partition.
type Envelope struct {
	SensorID    string    `json:"sensor_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	CapturedAt  time.Time `json:"captured_at"`
}

// Config describes the consumer's stream position.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer pulls reading envelopes off the stream.
type Consumer struct {
	reader *kafka.Reader
	sink   ReadingSink
	log    *slog.Logger
}

func NewConsumer(cfg Config, sink ReadingSink, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			Topic:    cfg.Topic,
			GroupID:  cfg.GroupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		sink: sink,
		log:  log.With("component", "ingest"),
	}
}

// Run consumes until ctx is cancelled. Poison messages (undecodable, or
// from sensors with no live binding) are committed and skipped; transient
// sink failures leave the offset uncommitted so the message is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("fetch failed", "error", err)
			continue
		}

		if err := c.process(ctx, msg.Value); err != nil {
			if isPoison(err) {
				c.log.Warn("skipping poison message",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			} else {
				c.log.Error("processing failed, message will be redelivered",
					"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				continue
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("offset commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, value []byte) error {
	env, err := Decode(value)
	if err != nil {
		return err
	}
	return c.sink.SubmitReading(ctx, env.SensorID, contracts.Reading{
		Temperature: env.Temperature,
		Humidity:    env.Humidity,
		CapturedAt:  env.CapturedAt,
	})
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// errDecode marks envelopes that can never be processed.
var errDecode = errors.New("ingest: undecodable envelope")

// Decode parses and validates one reading envelope.
func Decode(value []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	if env.SensorID == "" {
		return nil, fmt.Errorf("%w: missing sensor_id", errDecode)
	}
	return &env, nil
}

// isPoison reports whether the failure can never succeed on redelivery.
func isPoison(err error) bool {
	return errors.Is(err, errDecode) ||
		errors.Is(err, binding.ErrBindingNotFound) ||
		errors.Is(err, binding.ErrSensorNotRegistered)
}
