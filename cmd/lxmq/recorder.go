package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lxstack/lxmq/pkg/bus"
	"github.com/lxstack/lxmq/pkg/config"
	"github.com/lxstack/lxmq/pkg/recorder"
)

var recorderCmd = &cobra.Command{
	Use:   "recorder",
	Short: "Run the environment recorder",
	Long: `Consume environment-creation events and persist each environment
document, so the provisioned-workspace inventory survives restarts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		serveMetrics(cfg.MetricsAddr)

		store, err := recorder.NewStore(cfg.Recorder.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		rec := recorder.NewRecorder(store)
		busCfg := bus.Config{
			URL:         cfg.AMQP.URL,
			Exchange:    cfg.AMQP.Exchange,
			Queue:       config.DefaultRecorderQueue,
			Keys:        []string{config.DefaultRecordRoutingKey},
			Workers:     1,
			Application: cfg.AMQP.Application,
			UserID:      cfg.AMQP.UserID,
		}
		return runUntilSignal(func(ctx context.Context) error {
			return rec.Run(ctx, busCfg)
		})
	},
}
