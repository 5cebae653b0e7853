package hubstatus

import (
	"log/slog"
	"time"

	"github.com/rs/cors"
)

// Options configure a Service instance.
type Options struct {
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8710".
	Addr string
	// Path mounts the status API under a specific HTTP prefix. Defaults to "/api".
	Path string
	// CORS tweaks cross-origin behavior for browser-based dashboards.
	// Defaults to allowing all origins for GET and POST.
	CORS *cors.Options
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful shutdown when the serve context ends.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Addr == "" {
		opts.Addr = ":8710"
	}
	if opts.Path == "" {
		opts.Path = "/api"
	}
	if opts.CORS == nil {
		opts.CORS = &cors.Options{
			AllowedMethods: []string{"GET", "POST"},
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
