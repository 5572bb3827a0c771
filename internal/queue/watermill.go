// Repostats - Usage Statistics Pipeline for Digital Repositories
// Copyright 2026 Calyptra Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/calyptra/repostats

package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/calyptra/repostats/internal/event"
)

// Watermill adapts a Watermill publisher/subscriber pair to the Queue
// contract. Events travel as JSON message payloads; acknowledgement maps
// straight onto the message Ack, so at-least-once transports redeliver
// anything the indexer did not finish.
type Watermill struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
}

// NewWatermill wraps an existing publisher/subscriber pair.
func NewWatermill(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *Watermill {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Watermill{publisher: pub, subscriber: sub, logger: logger}
}

// NewGoChannel creates a queue on Watermill's in-process gochannel
// Pub/Sub. Unlike Memory this is a live stream: the delivery channel
// stays open until the context is cancelled.
func NewGoChannel(buffer int64, logger watermill.LoggerAdapter) *Watermill {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, logger)
	return &Watermill{publisher: pubsub, subscriber: pubsub, logger: logger}
}

// Publish implements Queue.
func (w *Watermill) Publish(_ context.Context, topic string, e event.Event) error {
	payload, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := w.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Consume implements Queue. Undecodable payloads are acked and skipped:
// redelivering them can never succeed.
func (w *Watermill) Consume(ctx context.Context, topic string) (<-chan Delivery, error) {
	messages, err := w.subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for msg := range messages {
			e, err := event.Unmarshal(msg.Payload)
			if err != nil {
				w.logger.Error("Dropping undecodable event payload", err, watermill.LogFields{
					"topic":      topic,
					"message_id": msg.UUID,
				})
				msg.Ack()
				continue
			}
			select {
			case out <- Delivery{Event: e, Ack: func() { msg.Ack() }}:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// Close implements Queue.
func (w *Watermill) Close() error {
	var firstErr error
	if err := w.publisher.Close(); err != nil {
		firstErr = err
	}
	if err := w.subscriber.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// zerologAdapter bridges Watermill's logging onto zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

// NewLoggerAdapter returns a watermill.LoggerAdapter writing to logger.
func NewLoggerAdapter(logger zerolog.Logger) watermill.LoggerAdapter {
	return &zerologAdapter{logger: logger}
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), fields).Msg(msg)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.logger.Info(), fields).Msg(msg)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), fields).Msg(msg)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), fields).Msg(msg)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := a.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &zerologAdapter{logger: ctx.Logger()}
}

func (a *zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
