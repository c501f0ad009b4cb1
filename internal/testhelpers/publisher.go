package testhelpers

import (
	"context"
	"sync"

	"payment-webhook-service/internal/message"
)

// Publisher keeps every published status change in memory.
type Publisher struct {
	mu       sync.Mutex
	messages []message.OrderStatusChanged
}

func (p *Publisher) Publish(_ context.Context, msg message.OrderStatusChanged) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *Publisher) Messages() []message.OrderStatusChanged {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.OrderStatusChanged(nil), p.messages...)
}

// Transitions lists the messages as "from->to" pairs.
func (p *Publisher) Transitions() []string {
	var out []string
	for _, m := range p.Messages() {
		out = append(out, m.From+"->"+m.To)
	}
	return out
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = nil
}
