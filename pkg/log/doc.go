/*
Package log provides structured logging for lxmq using zerolog.

Call Init once at startup, then use the package helpers or derive child
loggers with component fields:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("ports")
	logger.Info().Int("count", 3).Msg("Reserved ports")

Console output (JSONOutput=false) is meant for interactive use; production
deployments should log JSON.
*/
package log
