package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"

	berr "github.com/next-trace/scg-parking-bus/contract/errors"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Concrete franz-go based constructor, writer and group readers.

type SASLConfig struct {
	Mechanism string // PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512
	Username  string
	Password  string
}

type Config struct {
	Brokers  []string
	TLS      *tls.Config
	SASL     *SASLConfig
	ClientID string
	// Acks is "all" (default), "leader" or "none". Anything weaker than "all"
	// turns off idempotent writes.
	Acks        string
	Compression string // gzip, snappy, lz4, zstd or empty
}

func (cfg Config) baseOpts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...), kgo.AllowAutoTopicCreation()}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}
	if cfg.SASL != nil && cfg.SASL.Mechanism != "" {
		m, err := cfg.SASL.mechanism()
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(m))
	}
	return opts, nil
}

func (s SASLConfig) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(s.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported SASL mechanism %q", berr.ErrTransport, s.Mechanism)
	}
}

func (cfg Config) producerOpts() ([]kgo.Opt, error) {
	var opts []kgo.Opt
	switch strings.ToLower(cfg.Acks) {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("%w: unsupported acks %q", berr.ErrTransport, cfg.Acks)
	}
	switch strings.ToLower(cfg.Compression) {
	case "":
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("%w: unsupported compression %q", berr.ErrTransport, cfg.Compression)
	}
	return opts, nil
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for k, v := range headers {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

type kgoReaders struct{ cfg Config }

func (f kgoReaders) Reader(group string, topics []string, regex bool) (Reader, error) {
	opts, err := f.cfg.baseOpts()
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if regex {
		opts = append(opts, kgo.ConsumeRegex())
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return kgoReader{cl: cl}, nil
}

type kgoReader struct{ cl *kgo.Client }

func (r kgoReader) Poll(ctx context.Context) ([]Record, error) {
	fetches := r.cl.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		errs = append(errs, fmt.Errorf("fetch %s[%d]: %w", topic, partition, err))
	})
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	var out []Record
	fetches.EachRecord(func(rec *kgo.Record) {
		var hdrs map[string]string
		if len(rec.Headers) > 0 {
			hdrs = make(map[string]string, len(rec.Headers))
			for _, h := range rec.Headers {
				hdrs[h.Key] = string(h.Value)
			}
		}
		out = append(out, Record{Topic: rec.Topic, Key: rec.Key, Value: rec.Value, Headers: hdrs, Handle: rec})
	})
	return out, nil
}

func (r kgoReader) Commit(ctx context.Context, rec Record) error {
	kr, ok := rec.Handle.(*kgo.Record)
	if !ok {
		return fmt.Errorf("kafka commit: foreign record handle %T", rec.Handle)
	}
	return r.cl.CommitRecords(ctx, kr)
}

func (r kgoReader) Close() { r.cl.Close() }

// NewWithKgo builds a franz-go client based Transport. The returned cleanup should be called to close the client.
func NewWithKgo(cfg Config) (*Transport, func(), error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil, fmt.Errorf("%w: kafka brokers required", berr.ErrTransport)
	}
	opts, err := cfg.baseOpts()
	if err != nil {
		return nil, nil, err
	}
	popts, err := cfg.producerOpts()
	if err != nil {
		return nil, nil, err
	}
	cl, err := kgo.NewClient(append(opts, popts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: kafka client init: %w", berr.ErrTransport, err)
	}
	t := New(kgoWriter{cl: cl}, kgoReaders{cfg: cfg})
	cleanup := func() { cl.Close() }
	t.cleanup = cleanup
	return t, cleanup, nil
}
