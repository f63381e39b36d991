/*
Package log provides structured logging for pilotmgr using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs carry a timestamp and
can be filtered by severity.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Str("pilot_uid", pilotUID).Msg("pilot added")

	unitLog := log.WithUnit(unit.UID)
	unitLog.Warn().Msg("scheduling pass found no fillable pilot")

# Levels

Debug is for development/troubleshooting detail, Info is the default
production level, Warn flags conditions worth a human's attention
(missed heartbeats, oversize units stuck in the wait pool), and Error
marks operation failures — including the inconsistency errors from
pkg/scheduler, which are logged here before the caller halts
scheduling.
*/
package log
