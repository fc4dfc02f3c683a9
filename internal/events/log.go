package events

import "github.com/rs/zerolog"

// Log writes every event to a logger at debug level.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Publish(e Event) {
	ev := l.Logger.Debug().Str("event", e.Name)
	if e.Model != "" {
		ev = ev.Str("model", e.Model)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("event")
}
