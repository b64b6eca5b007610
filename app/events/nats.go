package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSPublisher forwards events to "<prefix>.<feed_type>.generated".
type NATSPublisher struct {
	nc     msgPublisher
	prefix string
}

func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) Subject(event Event) string {
	return fmt.Sprintf("%s.%s.generated", p.prefix, event.FeedType)
}

func (p *NATSPublisher) Handle(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling error: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.Subject(event),
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Event-Name", event.Name)

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Subject, err)
	}
	return nil
}
