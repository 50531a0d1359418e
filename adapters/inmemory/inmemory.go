package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

// Broker is a thread-safe in-process broker implementing cbus.Transport.
// It mirrors AMQP routing: the default exchange routes by queue name, any other
// exchange is a topic exchange routed through bindings. Deliveries are at-least-once:
// nacked-with-requeue and unsettled messages come back flagged as redelivered.
// Published messages and dead letters are recorded for tests and examples.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	bindings   []cbus.Binding
	subs       map[*subscription]struct{}
	published  []cbus.Message
	dead       []cbus.Message
	unroutable int
	closed     bool

	// PublishHook, when set, runs before routing. A non-nil error fails the publish,
	// which lets tests simulate a broker outage between two planned publishes.
	PublishHook func(m cbus.Message) error
}

type queue struct {
	name      string
	exclusive bool
	items     []item
	signal    chan struct{}
}

type item struct {
	msg         cbus.Message
	body        []byte
	redelivered bool
}

var _ cbus.Transport = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		subs:   make(map[*subscription]struct{}),
	}
}

// Publish routes m to every matching queue. Unroutable messages are dropped, as on AMQP.
func (b *Broker) Publish(ctx context.Context, m cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if hook := b.hook(); hook != nil {
		if err := hook(m); err != nil {
			return fmt.Errorf("inmemory publish %s: %w", m.Address, errors.Join(berr.ErrPublishFailed, err))
		}
	}

	body, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("inmemory publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory publish %s: %w", m.Address, berr.ErrTransport)
	}

	b.published = append(b.published, m)

	targets := b.route(m.Address)
	if len(targets) == 0 {
		b.unroutable++
		return nil
	}

	for _, q := range targets {
		q.push(item{msg: m, body: body})
	}

	return nil
}

func (b *Broker) hook() func(cbus.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.PublishHook
}

// SetPublishHook installs or clears the publish hook.
func (b *Broker) SetPublishHook(h func(m cbus.Message) error) {
	b.mu.Lock()
	b.PublishHook = h
	b.mu.Unlock()
}

// route must be called with b.mu held.
func (b *Broker) route(a cbus.Address) []*queue {
	if a.IsQueue() {
		if q, ok := b.queues[a.Key]; ok {
			return []*queue{q}
		}

		return nil
	}

	seen := map[string]bool{}

	var out []*queue

	for _, bd := range b.bindings {
		if seen[bd.Queue] || !bd.Matches(a) {
			continue
		}

		if q, ok := b.queues[bd.Queue]; ok {
			seen[bd.Queue] = true
			out = append(out, q)
		}
	}

	return out
}

// Declare creates a durable queue and, when exchange is set, binds it with pattern.
// It stands in for the external provisioning step in tests.
func (b *Broker) Declare(bd cbus.Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.declare(bd)
}

func (b *Broker) declare(bd cbus.Binding) *queue {
	q, ok := b.queues[bd.Queue]
	if !ok {
		q = &queue{name: bd.Queue, exclusive: bd.Exclusive, signal: make(chan struct{}, 1)}
		b.queues[bd.Queue] = q
	}

	if bd.Exchange != "" {
		for _, existing := range b.bindings {
			if existing.Queue == bd.Queue && existing.Exchange == bd.Exchange && existing.Pattern == bd.Pattern {
				return q
			}
		}

		b.bindings = append(b.bindings, cbus.Binding{Queue: bd.Queue, Exchange: bd.Exchange, Pattern: bd.Pattern})
	}

	return q
}

// Subscribe starts a serial receive loop on bd.Queue, declaring the queue if needed.
func (b *Broker) Subscribe(ctx context.Context, bd cbus.Binding, h cbus.DeliveryHandler) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if bd.Queue == "" {
		return nil, fmt.Errorf("inmemory subscribe: %w: queue name required", berr.ErrValidation)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("inmemory subscribe %s: %w", bd, berr.ErrTransport)
	}

	q := b.declare(bd)
	loopCtx, cancel := context.WithCancel(ctx)
	s := &subscription{broker: b, q: q, binding: bd, cancel: cancel, done: make(chan struct{})}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.loop(loopCtx, h)

	return s, nil
}

// Disconnect ends every subscription with ErrTransport, as a dropped connection would.
// Unsettled deliveries are requeued. The broker stays usable.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(berr.ErrTransport)
	}
}

// Close stops all subscriptions and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}

	return nil
}

// Messages returns a copy of every message published so far.
func (b *Broker) Messages() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.published...)
}

// MessagesTo returns the published messages addressed to a.
func (b *Broker) MessagesTo(a cbus.Address) []cbus.Message {
	var out []cbus.Message

	for _, m := range b.Messages() {
		if m.Address == a {
			out = append(out, m)
		}
	}

	return out
}

// DeadLetters returns messages nacked without requeue.
func (b *Broker) DeadLetters() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.dead...)
}

// Depth returns the number of ready messages in a queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.items)
	}

	return 0
}

// Unroutable returns how many publishes matched no queue.
func (b *Broker) Unroutable() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.unroutable
}

// push must be called with the broker lock held.
func (q *queue) push(it item) {
	q.items = append(q.items, it)
	q.notify()
}

// pushFront must be called with the broker lock held.
func (q *queue) pushFront(it item) {
	q.items = append([]item{it}, q.items...)
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type subscription struct {
	broker  *Broker
	q       *queue
	binding cbus.Binding
	cancel  context.CancelFunc
	done    chan struct{}

	mu       sync.Mutex
	err      error
	stopOnce sync.Once
	unacked  map[*item]struct{}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *subscription) Close() error {
	s.stop(nil)
	return nil
}

func (s *subscription) stop(reason error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		s.cancel()
	})
	<-s.done
}

func (s *subscription) loop(ctx context.Context, h cbus.DeliveryHandler) {
	defer s.finish()

	for {
		it, ok := s.next(ctx)
		if !ok {
			return
		}

		s.track(&it)

		d := cbus.NewDelivery(cbus.Delivery{
			Queue:         s.q.name,
			Exchange:      it.msg.Address.Exchange,
			RoutingKey:    it.msg.Address.Key,
			Body:          it.body,
			Headers:       it.msg.Headers,
			Redelivered:   it.redelivered,
			CorrelationID: it.msg.Envelope.CorrelationID,
			ReplyTo:       it.msg.Envelope.ReplyTo,
		}, &acker{sub: s, it: &it})

		h(ctx, d)
	}
}

func (s *subscription) next(ctx context.Context) (item, bool) {
	b := s.broker

	for {
		b.mu.Lock()
		if len(s.q.items) > 0 {
			it := s.q.items[0]
			s.q.items = s.q.items[1:]
			b.mu.Unlock()

			return it, true
		}
		b.mu.Unlock()

		select {
		case <-s.q.signal:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

func (s *subscription) track(it *item) {
	s.mu.Lock()
	if s.unacked == nil {
		s.unacked = make(map[*item]struct{})
	}
	s.unacked[it] = struct{}{}
	s.mu.Unlock()
}

func (s *subscription) untrack(it *item) {
	s.mu.Lock()
	delete(s.unacked, it)
	s.mu.Unlock()
}

// finish requeues unsettled deliveries and auto-deletes exclusive queues.
func (s *subscription) finish() {
	b := s.broker

	s.mu.Lock()
	pending := make([]*item, 0, len(s.unacked))
	for it := range s.unacked {
		pending = append(pending, it)
	}
	s.unacked = nil
	s.mu.Unlock()

	b.mu.Lock()
	delete(b.subs, s)

	if s.q.exclusive {
		delete(b.queues, s.q.name)

		kept := b.bindings[:0]
		for _, bd := range b.bindings {
			if bd.Queue != s.q.name {
				kept = append(kept, bd)
			}
		}
		b.bindings = kept
	} else {
		for _, it := range pending {
			it.redelivered = true
			s.q.pushFront(*it)
		}
	}
	b.mu.Unlock()

	close(s.done)
}

type acker struct {
	sub *subscription
	it  *item
}

func (a *acker) Ack() error {
	a.sub.untrack(a.it)
	return nil
}

func (a *acker) Nack(requeue bool) error {
	a.sub.untrack(a.it)

	b := a.sub.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if requeue {
		it := *a.it
		it.redelivered = true
		a.sub.q.pushFront(it)

		return nil
	}

	b.dead = append(b.dead, a.it.msg)

	return nil
}
