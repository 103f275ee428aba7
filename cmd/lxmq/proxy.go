package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lxstack/lxmq/pkg/bus"
	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the reverse-proxy configurator",
	Long: `Consume instance-creation events and publish each simple environment
behind the HTTPS reverse proxy: write its vhost, reload the proxy, and
emit the environment-creation event for the recorder.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		serveMetrics(cfg.MetricsAddr)

		configurator, err := proxy.NewConfigurator(cfg.Proxy, cfg.AMQP.Exchange, config.DefaultRecordRoutingKey)
		if err != nil {
			return err
		}

		busCfg := bus.Config{
			URL:         cfg.AMQP.URL,
			Exchange:    cfg.AMQP.Exchange,
			Queue:       config.DefaultProxyQueue,
			Keys:        []string{config.DefaultCreateRoutingKey},
			Workers:     1,
			Application: cfg.AMQP.Application,
			UserID:      cfg.AMQP.UserID,
		}
		return runUntilSignal(func(ctx context.Context) error {
			return configurator.Run(ctx, busCfg)
		})
	},
}
