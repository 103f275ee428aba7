package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lxstack/lxmq/pkg/bus"
	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/host"
	"github.com/lxstack/lxmq/pkg/instance"
	"github.com/lxstack/lxmq/pkg/kv"
	"github.com/lxstack/lxmq/pkg/log"
	"github.com/lxstack/lxmq/pkg/metrics"
	"github.com/lxstack/lxmq/pkg/ports"
	"github.com/lxstack/lxmq/pkg/template"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the instance API consumer",
	Long: `Run the worker that consumes create and operation requests from the
bus, provisions instances on the container host, and replies to each
request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		serveMetrics(cfg.MetricsAddr)

		store, err := kv.NewConsul(cfg.Consul)
		if err != nil {
			return err
		}
		templates, err := template.NewStore(cfg.TemplateDir)
		if err != nil {
			return err
		}
		driver := host.NewLXC()
		allocator := ports.NewAllocator(store, driver, cfg.Ports, cfg.Consul.LockName, cfg.Consul.LockTimeout)
		service := instance.NewService(driver, templates, allocator, cfg)

		adapter := bus.NewAdapter(bus.Config{
			URL:         cfg.AMQP.URL,
			Exchange:    cfg.AMQP.Exchange,
			Queue:       config.DefaultAPIQueue,
			Keys:        []string{config.DefaultAPIRoutingKey},
			Workers:     cfg.AMQP.Workers,
			Application: cfg.AMQP.Application,
			UserID:      cfg.AMQP.UserID,
		}, config.DefaultCreateRoutingKey, service)

		return runUntilSignal(adapter.Run)
	},
}

// serveMetrics registers the collectors and exposes them in the
// background. A metrics bind failure is logged, not fatal.
func serveMetrics(addr string) {
	metrics.Register()
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics endpoint failed", err)
		}
	}()
}

// runUntilSignal runs fn until SIGINT/SIGTERM and treats the resulting
// cancellation as a clean exit.
func runUntilSignal(fn func(ctx context.Context) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := fn(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("Shutting down")
		return nil
	}
	return err
}
