package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
)

const (
	queuePrefix = "q."
	topicPrefix = "t."

	// DeadLetterSuffix is appended to the topic of records nacked without requeue.
	DeadLetterSuffix = ".dlq"
	// HeaderRedelivered marks a record re-produced by a requeueing nack.
	HeaderRedelivered = "x-redelivered"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Record is one consumed record.
type Record struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string

	// Handle is the client-specific value Commit needs.
	Handle any
}

// Reader consumes records for one consumer group.
type Reader interface {
	Poll(ctx context.Context) ([]Record, error)
	Commit(ctx context.Context, r Record) error
	Close()
}

// ReaderFactory opens a group reader. With regex set, topics are regular expressions.
type ReaderFactory interface {
	Reader(group string, topics []string, regex bool) (Reader, error)
}

// Transport implements cbus.Transport using an injected Writer and ReaderFactory.
type Transport struct {
	Writer     Writer
	Readers    ReaderFactory
	Propagator cbus.HeaderPropagator

	closeOnce sync.Once
	cleanup   func()
}

var _ cbus.Transport = (*Transport)(nil)

// New creates a new Kafka transport instance with the provided writer and reader factory.
func New(w Writer, r ReaderFactory) *Transport { return &Transport{Writer: w, Readers: r} }

var topicSanitizer = strings.NewReplacer("/", "-")

// TopicName maps a bus address onto a Kafka topic. Kafka topics cannot carry '/',
// so queue names have it replaced with '-'.
func TopicName(a cbus.Address) string {
	if a.IsQueue() {
		return queuePrefix + topicSanitizer.Replace(a.Key)
	}

	return topicPrefix + a.Exchange + "." + a.Key
}

// GroupName is the consumer group a binding consumes with.
func GroupName(b cbus.Binding) string { return "scg-parking-bus." + topicSanitizer.Replace(b.Queue) }

// bindingTopics returns the literal topic or the regex a binding subscribes to.
func bindingTopics(b cbus.Binding) (string, bool) {
	if b.Exchange == "" {
		return TopicName(cbus.Queue(b.Queue)), false
	}

	if !strings.ContainsAny(b.Pattern, "*#") {
		return TopicName(cbus.Topic(b.Exchange, b.Pattern)), false
	}

	// Wildcards are resolved per record with MatchTopic.
	return "^" + regexp.QuoteMeta(topicPrefix+b.Exchange+".") + ".*$", true
}

func (t *Transport) Publish(ctx context.Context, m cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.Writer == nil {
		return fmt.Errorf("kafka publish: %w", berr.ErrTransport)
	}

	val, err := json.Marshal(m.Envelope)
	if err != nil {
		return fmt.Errorf("kafka publish serialize: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	headers := make(map[string]string, len(m.Headers)+1)
	for k, v := range m.Headers {
		headers[k] = v
	}

	if t.Propagator != nil {
		t.Propagator.Inject(ctx, headers)
	}

	// Keying by correlation id keeps a request and its retries on one partition.
	var key []byte
	if m.Envelope.CorrelationID != "" {
		key = []byte(m.Envelope.CorrelationID)
	}

	topic := TopicName(m.Address)
	if err := t.Writer.Write(ctx, topic, key, val, headers); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka publish to %q: %w", topic, errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (t *Transport) Subscribe(ctx context.Context, b cbus.Binding, h cbus.DeliveryHandler) (cbus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t.Readers == nil || t.Writer == nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", b, berr.ErrTransport)
	}

	topic, regex := bindingTopics(b)

	r, err := t.Readers.Reader(GroupName(b), []string{topic}, regex)
	if err != nil {
		return nil, fmt.Errorf("kafka subscribe %s: %w", b, errors.Join(berr.ErrTransport, err))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s := &subscription{cancel: cancel, reader: r, writer: t.Writer, done: make(chan struct{})}

	go s.loop(loopCtx, b, h)

	return s, nil
}

// Close closes the owned producer client, if the transport was built with NewWithKgo.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.cleanup != nil {
			t.cleanup()
		}
	})

	return nil
}

type subscription struct {
	cancel context.CancelFunc
	reader Reader
	writer Writer
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done

	return nil
}

func (s *subscription) fail(b cbus.Binding, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = fmt.Errorf("kafka consume %s: %w", b, errors.Join(berr.ErrTransport, err))
}

func (s *subscription) loop(ctx context.Context, b cbus.Binding, h cbus.DeliveryHandler) {
	defer close(s.done)
	defer s.reader.Close()

	for {
		recs, err := s.reader.Poll(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(b, err)
			}

			return
		}

		for _, r := range recs {
			if ctx.Err() != nil {
				// Uncommitted records are redelivered to the group.
				return
			}

			key := routingKey(b, r.Topic)
			if b.Exchange != "" && !cbus.MatchTopic(b.Pattern, key) {
				if err := s.reader.Commit(ctx, r); err != nil {
					s.fail(b, err)
					return
				}

				continue
			}

			d := cbus.NewDelivery(cbus.Delivery{
				Queue:       b.Queue,
				Exchange:    b.Exchange,
				RoutingKey:  key,
				Body:        r.Value,
				Headers:     r.Headers,
				Redelivered: r.Headers[HeaderRedelivered] == "true",
			}, &recordAck{ctx: ctx, reader: s.reader, writer: s.writer, rec: r})

			h(ctx, d)
		}
	}
}

func routingKey(b cbus.Binding, topic string) string {
	if b.Exchange == "" {
		return b.Queue
	}

	return strings.TrimPrefix(topic, topicPrefix+b.Exchange+".")
}

// recordAck commits the record's offset. A nack first re-produces the record,
// to the same topic when requeued and to the dead-letter topic otherwise.
type recordAck struct {
	ctx    context.Context //nolint:containedctx // bound to the subscription loop
	reader Reader
	writer Writer
	rec    Record
}

func (a *recordAck) Ack() error { return a.reader.Commit(a.ctx, a.rec) }

func (a *recordAck) Nack(requeue bool) error {
	headers := make(map[string]string, len(a.rec.Headers)+1)
	for k, v := range a.rec.Headers {
		headers[k] = v
	}

	topic := a.rec.Topic + DeadLetterSuffix
	if requeue {
		topic = a.rec.Topic
		headers[HeaderRedelivered] = "true"
	}

	if err := a.writer.Write(a.ctx, topic, a.rec.Key, a.rec.Value, headers); err != nil {
		return fmt.Errorf("kafka nack to %q: %w", topic, err)
	}

	return a.reader.Commit(a.ctx, a.rec)
}
