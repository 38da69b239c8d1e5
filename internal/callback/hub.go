package callback

import (
	"context"
	"sort"

	"github.com/EternityForest/Acorns/internal/logging"
	"github.com/EternityForest/Acorns/internal/program"
)

// Hub is a named-topic producer. Scripts subscribe a callable to a topic,
// Go code emits on the topic, and the hub holds the producer side of every
// subscription.
type Hub struct {
	opts   Options
	log    *logging.Logger
	topics map[string]map[uint64]*Subscription
}

// NewHub creates an empty hub.
func NewHub(opts Options, log *logging.Logger) *Hub {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Hub{
		opts:   opts,
		log:    log.WithComponent("callback"),
		topics: make(map[string]map[uint64]*Subscription),
	}
}

// SubscribeLocked attaches fn to topic on behalf of owner. The caller must
// hold the lock. The subscription leaves the topic when the consumer cancels
// or the program closes.
func (h *Hub) SubscribeLocked(owner *program.Program, topic string, fn any) (*Subscription, error) {
	var sub *Subscription
	cleanup := func() {
		h.remove(topic, sub)
		// The hub holds the producer side; give it up once the consumer is
		// gone so the record can unlink.
		if sub != nil {
			sub.ReleaseLocked(Producer)
		}
	}
	sub, err := New(h.opts, owner, fn, cleanup)
	if err != nil {
		return nil, err
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]*Subscription)
	}
	h.topics[topic][sub.id] = sub
	h.log.Debug("topic subscribed", "topic", topic, "program_id", owner.ID(), "subscription_id", sub.id)
	return sub, nil
}

func (h *Hub) remove(topic string, sub *Subscription) {
	if sub == nil {
		return
	}
	subs := h.topics[topic]
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Count returns the number of live subscriptions on topic. The caller must
// hold the lock.
func (h *Hub) Count(topic string) int {
	return len(h.topics[topic])
}

// Emit fires every subscription on topic in subscription order and returns
// how many ran successfully. It takes the lock for each call.
func (h *Hub) Emit(ctx context.Context, topic string, args ...any) int {
	h.opts.Lock.Lock()
	subs := make([]*Subscription, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.opts.Lock.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	n := 0
	for _, s := range subs {
		if _, err := s.Fire(ctx, args...); err == nil {
			n++
		}
	}
	h.log.Debug("topic emitted", "topic", topic, "subscribers", len(subs), "delivered", n)
	return n
}
