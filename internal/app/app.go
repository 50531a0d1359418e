// Package app assembles parkingd from configuration: transport, stores, workers,
// the RPC client and the health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/next-trace/scg-parking-bus/adapters/boltstore"
	kafkabus "github.com/next-trace/scg-parking-bus/adapters/kafka"
	natsbus "github.com/next-trace/scg-parking-bus/adapters/nats"
	pgstore "github.com/next-trace/scg-parking-bus/adapters/postgres"
	"github.com/next-trace/scg-parking-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-parking-bus/adapters/redisstore"
	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	berr "github.com/next-trace/scg-parking-bus/contract/errors"
	"github.com/next-trace/scg-parking-bus/internal/config"
	"github.com/next-trace/scg-parking-bus/internal/health"
	"github.com/next-trace/scg-parking-bus/ledger"
	"github.com/next-trace/scg-parking-bus/memory"
	"github.com/next-trace/scg-parking-bus/registry"
	"github.com/next-trace/scg-parking-bus/rpc"
	"github.com/next-trace/scg-parking-bus/servicebus"
	"github.com/next-trace/scg-parking-bus/services/credit"
	"github.com/next-trace/scg-parking-bus/services/fiscal"
	"github.com/next-trace/scg-parking-bus/services/notification"
	"github.com/next-trace/scg-parking-bus/services/payment"
	"github.com/next-trace/scg-parking-bus/services/vehicles"
)

// Service names accepted by Worker and Run.
const (
	Payment      = "payment"
	Credit       = "credit"
	Fiscal       = "fiscal"
	Notification = "notification"
	Vehicles     = "vehicles"
)

// Services lists every service in saga order.
var Services = []string{Payment, Credit, Fiscal, Notification, Vehicles}

type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Transport cbus.Transport

	Ledger   *ledger.Ledger
	Registry *registry.Registry
	Notices  notification.Store
	Charges  payment.ChargeStore

	closers []func() error
}

// New connects the transport and opens the stores named by cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{Config: cfg, Logger: logger}

	if err := a.openTransport(); err != nil {
		return nil, err
	}

	if err := a.openStores(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) openTransport() error {
	b := a.Config.Broker

	switch b.Kind {
	case config.BrokerMemory:
		t, cleanup := memory.New()
		a.Transport = t
		a.closers = append(a.closers, func() error { cleanup(); return nil })

		return nil
	case config.BrokerRabbitMQ:
		t, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{URL: b.URL, Prefetch: b.Prefetch, ConnTimeout: a.Config.RPCTimeout})
		if err != nil {
			return err
		}

		a.Transport = t
	case config.BrokerNATS:
		t, _, err := natsbus.NewWithNATS(natsbus.Config{URL: b.URL, Name: "parkingd", JetStream: b.JetStream})
		if err != nil {
			return err
		}

		a.Transport = t
	case config.BrokerKafka:
		kc := kafkabus.Config{Brokers: b.KafkaBrokers, ClientID: "parkingd"}
		if b.KafkaSASL != "" {
			kc.SASL = &kafkabus.SASLConfig{Mechanism: b.KafkaSASL, Username: b.KafkaUser, Password: b.KafkaPassword}
		}

		t, _, err := kafkabus.NewWithKgo(kc)
		if err != nil {
			return err
		}

		a.Transport = t
	default:
		return fmt.Errorf("app: %w: broker kind %q", berr.ErrValidation, b.Kind)
	}

	a.closers = append(a.closers, a.Transport.Close)

	return nil
}

func (a *App) openStores(ctx context.Context) error {
	s := a.Config.Store

	var (
		windows      ledger.Store
		vehicleStore registry.Store
	)

	switch s.Kind {
	case config.StoreMemory:
		windows, vehicleStore, a.Notices = ledger.NewMemoryStore(), registry.NewMemoryStore(), notification.NewMemoryStore()
	case config.StoreBolt:
		db, err := boltstore.Open(s.BoltPath)
		if err != nil {
			return err
		}

		a.closers = append(a.closers, db.Close)
		windows, vehicleStore, a.Notices = db.Ledger(), db.Vehicles(), db.Notices()
	case config.StorePostgres:
		db, err := pgstore.Connect(s.PostgresDSN)
		if err != nil {
			return err
		}

		a.closers = append(a.closers, db.Close)

		if err := db.Migrate(ctx); err != nil {
			return err
		}

		windows, vehicleStore, a.Notices = db.Ledger(), db.Vehicles(), db.Notices()
	default:
		return fmt.Errorf("app: %w: store kind %q", berr.ErrValidation, s.Kind)
	}

	a.Ledger = ledger.New(windows)
	a.Registry = registry.New(vehicleStore)

	if s.RedisURL == "" {
		a.Charges = payment.NewMemoryCharges()
		return nil
	}

	client, err := redisstore.Connect(ctx, s.RedisURL)
	if err != nil {
		return err
	}

	a.closers = append(a.closers, client.Close)
	a.Charges = redisstore.NewCharges(client, 0)

	return nil
}

// Worker builds the named service's worker with its handlers bound.
func (a *App) Worker(name string) (*servicebus.Worker, error) {
	w := servicebus.New(name, a.Transport, a.Logger,
		servicebus.WithReplyExchange(a.Config.Broker.ReplyExchange),
		servicebus.WithRetryDelay(a.Config.RetryDelay),
		servicebus.WithMiddleware(servicebus.Recover(a.Logger), servicebus.Logging(a.Logger)),
	)

	events := a.Config.Broker.EventsExchange

	var err error

	switch name {
	case Payment:
		err = payment.Register(w, a.Charges, a.Logger)
	case Credit:
		err = credit.Register(w, a.Ledger)
	case Fiscal:
		err = fiscal.Register(w, a.Ledger, events)
	case Notification:
		err = notification.Register(w, a.Notices, events, a.Logger)
	case Vehicles:
		err = vehicles.Register(w, a.Registry, events)
	default:
		return nil, fmt.Errorf("app: %w: unknown service %q", berr.ErrValidation, name)
	}

	if err != nil {
		return nil, err
	}

	return w, nil
}

// Run starts the named services, and the health server when an address is
// configured, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = Services
	}

	var (
		workers []*servicebus.Worker
		probes  []health.Worker
	)

	seen := map[string]bool{}

	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true

		w, err := a.Worker(n)
		if err != nil {
			return err
		}

		workers = append(workers, w)
		probes = append(probes, w)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, w := range workers {
		g.Go(func() error {
			a.Logger.InfoContext(gctx, "worker starting", "worker", w.Name(), "bindings", len(w.Bindings()))
			return w.Run(gctx)
		})
	}

	if addr := a.Config.HealthAddr; addr != "" {
		g.Go(func() error { return health.New(probes...).Run(gctx, addr) })
	}

	return g.Wait()
}

// Client opens an RPC client on the app's transport.
func (a *App) Client(ctx context.Context) (*rpc.Client, error) {
	return rpc.New(ctx, a.Transport,
		rpc.WithTimeout(a.Config.RPCTimeout),
		rpc.WithReplyExchange(a.Config.Broker.ReplyExchange),
		rpc.WithLogger(a.Logger),
		rpc.WithBreaker(rpc.NewBreaker("parkingd-rpc")),
	)
}

// Close releases everything New opened, newest first.
func (a *App) Close() error {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	a.closers = nil

	return errors.Join(errs...)
}

// Shutdown waits up to d for Close.
func (a *App) Shutdown(d time.Duration) error {
	done := make(chan error, 1)

	go func() { done <- a.Close() }()

	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return fmt.Errorf("app shutdown: %w: close timed out after %s", berr.ErrTimeout, d)
	}
}
