// Shelfsync - Incremental E-commerce Catalog Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfsync

// Package events distributes fetch progress to in-process observers over a
// watermill go-channel pub/sub, optionally mirroring every event to NATS.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/shelfsync/internal/config"
	"github.com/tomtom215/shelfsync/internal/fetch"
	"github.com/tomtom215/shelfsync/internal/logging"
)

// DefaultTopic is the progress topic and NATS subject.
const DefaultTopic = "shelfsync.progress"

// Bus implements fetch.Reporter.
type Bus struct {
	topic  string
	local  *gochannel.GoChannel
	remote message.Publisher
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	closed bool
}

var _ fetch.Reporter = (*Bus)(nil)

// NewBus creates the bus. A non-empty cfg.NATSURL also publishes each event
// to that server.
func NewBus(cfg config.EventsConfig) (*Bus, error) {
	topic := cfg.Subject
	if topic == "" {
		topic = DefaultTopic
	}
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())

	b := &Bus{
		topic: topic,
		local: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logger),
		logger: logger,
	}

	if cfg.NATSURL != "" {
		pub, err := NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			_ = b.local.Close()
			return nil, err
		}
		b.remote = pub
	}
	return b, nil
}

// Topic returns the topic events are published on.
func (b *Bus) Topic() string { return b.topic }

// Report publishes p. Failures are logged; progress is best effort.
func (b *Bus) Report(ctx context.Context, p fetch.Progress) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	data, err := json.Marshal(p)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("component", "events").Msg("Failed to encode progress")
		return
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("resource", p.Resource)
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		msg.Metadata.Set("correlation_id", id)
	}

	if err := b.local.Publish(b.topic, msg); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("component", "events").Msg("Failed to publish progress")
	}
	if b.remote != nil {
		if err := b.remote.Publish(b.topic, msg.Copy()); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("component", "events").Msg("Failed to forward progress to NATS")
		}
	}
}

// Subscribe streams decoded progress events until ctx is done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan fetch.Progress, error) {
	msgs, err := b.local.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	out := make(chan fetch.Progress, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var p fetch.Progress
			err := json.Unmarshal(msg.Payload, &p)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops both publishers. Subscriptions end.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if b.remote != nil {
		firstErr = b.remote.Close()
	}
	if err := b.local.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
