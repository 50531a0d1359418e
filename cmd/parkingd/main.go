package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cbus "github.com/next-trace/scg-parking-bus/contract/bus"
	"github.com/next-trace/scg-parking-bus/contract/parking"
	"github.com/next-trace/scg-parking-bus/internal/app"
	"github.com/next-trace/scg-parking-bus/internal/config"
	"github.com/next-trace/scg-parking-bus/internal/logger"
	"github.com/next-trace/scg-parking-bus/rpc"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "parkingd",
		Short:         "Parking enforcement services on a message bus",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file (PARKING_* env vars override it)")

	for _, name := range app.Services {
		root.AddCommand(serveCmd(name, "Run the "+name+" service", &cfgPath, name))
	}

	root.AddCommand(serveCmd("all", "Run every service in one process", &cfgPath, app.Services...))
	root.AddCommand(purchaseCmd(&cfgPath))
	root.AddCommand(checkCmd(&cfgPath))

	return root
}

// withApp loads config, builds the app and runs fn until SIGINT or SIGTERM.
func withApp(cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer func() {
		if err := a.Shutdown(5 * time.Second); err != nil {
			log.Error("shutdown", "error", err)
		}
	}()

	return fn(ctx, a)
}

func serveCmd(use, short string, cfgPath *string, services ...string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				err := a.Run(ctx, services...)
				a.Logger.Info("stopped", "services", services)

				return err
			})
		},
	}
}

func purchaseCmd(cfgPath *string) *cobra.Command {
	var req parking.PurchaseRequest

	cmd := &cobra.Command{
		Use:   "purchase PLACA",
		Short: "Buy parking credit and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Placa = args[0]

			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				return call[parking.CreditReply](ctx, a, cmd, parking.QueuePayment, req)
			})
		},
	}

	cmd.Flags().IntVarP(&req.DuracaoHoras, "hours", "H", 1, "Hours of credit")
	cmd.Flags().StringVarP(&req.Zona, "zone", "z", "", "Parking zone")
	cmd.Flags().StringVar(&req.Origem, "origin", "cli", "Purchase channel")

	return cmd
}

func checkCmd(cfgPath *string) *cobra.Command {
	var req parking.FiscalQuery

	cmd := &cobra.Command{
		Use:   "check PLACA",
		Short: "Ask the fiscal service whether a vehicle is regular",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Placa = args[0]

			return withApp(*cfgPath, func(ctx context.Context, a *app.App) error {
				return call[parking.FiscalReply](ctx, a, cmd, parking.QueueFiscalQuery, req)
			})
		},
	}

	cmd.Flags().StringVarP(&req.Localizacao, "location", "l", "", "Where the vehicle was seen")

	return cmd
}

func call[T any](ctx context.Context, a *app.App, cmd *cobra.Command, queue string, payload any) error {
	client, err := a.Client(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reply, err := rpc.CallAs[T](ctx, client, cbus.Queue(queue), payload, 0)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(reply)
}
