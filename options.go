package dbus

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/danderson/dbusloop/engine"
	"github.com/danderson/dbusloop/telemetry"
)

// An Option configures a [Conn].
type Option func(*options)

type options struct {
	log         zerolog.Logger
	metrics     telemetry.Collector
	callTimeout time.Duration
}

func defaultOptions() options {
	return options{
		log:         zerolog.Nop(),
		metrics:     telemetry.Noop(),
		callTimeout: engine.DefaultReplyTimeout,
	}
}

// WithLogger sets the logger for connection events. By default
// nothing is logged.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCollector sets the collector that receives connection
// metrics.
func WithCollector(c telemetry.Collector) Option {
	return func(o *options) {
		if c != nil {
			o.metrics = c
		}
	}
}

// WithCallTimeout sets how long method calls wait for a reply
// before failing with [ErrNoReply]. The default is 25 seconds.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}
