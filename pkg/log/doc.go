/*
Package log provides the fleet controller's structured logging on
zerolog.

The root logger is usable before Init is ever called (useful in tests);
Init reconfigures it once at startup with the level and format the CLI
flags selected:

	log.Init(log.Config{
		Level:      "info",
		JSONOutput: true,
	})

WithComponent and WithNode derive child loggers carrying a "component"
or "node" field, so a goroutine can log with its context attached
without threading it through every call:

	nodeLog := log.WithNode("validator-7")
	nodeLog.Info().Msg("heartbeat accepted")
*/
package log
