/*
Package log provides structured logging for the exchange storage core using zerolog.

All subsystems (WAL, compaction, conversion, notification bus, snapshot
engine) log through a component-scoped child logger rather than the global
Logger directly, so a production deployment can filter or route by
component without touching call sites.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	walLog := log.WithInstrument("BTC-USDT")
	walLog.Info().Uint64("sequence", seq).Msg("wal rolled")

Do not log secrets, order payloads in full, or account balances at Info
level; Debug level is acceptable for local development only.
*/
package log
