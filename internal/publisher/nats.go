// Package publisher delivers relay events to external consumers.
package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockedby/tgrelay/internal/forward"
	"github.com/blockedby/tgrelay/internal/nats"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(ctx context.Context, subject string, data any) error
}

// NATSPublisher implements forward.EventPublisher
type NATSPublisher struct {
	js NATSClient
}

var _ forward.EventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(client NATSClient) *NATSPublisher {
	return &NATSPublisher{js: client}
}

// PublishForwarded publishes a forwarded message event
func (p *NATSPublisher) PublishForwarded(ctx context.Context, event forward.ForwardedEvent) error {
	if err := p.js.Publish(ctx, nats.SubjectForwarded, event); err != nil {
		return fmt.Errorf("publish forwarded event: %w", err)
	}
	return nil
}

// PublishBackfill publishes a backfill progress event
func (p *NATSPublisher) PublishBackfill(ctx context.Context, event forward.BackfillEvent) error {
	if err := p.js.Publish(ctx, nats.SubjectBackfill, event); err != nil {
		return fmt.Errorf("publish backfill event: %w", err)
	}
	return nil
}

// Fanout publishes every event to all publishers.
// nil entries are skipped.
type Fanout []forward.EventPublisher

var _ forward.EventPublisher = Fanout(nil)

// PublishForwarded implements forward.EventPublisher.
func (f Fanout) PublishForwarded(ctx context.Context, event forward.ForwardedEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishForwarded(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishBackfill implements forward.EventPublisher.
func (f Fanout) PublishBackfill(ctx context.Context, event forward.BackfillEvent) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishBackfill(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
