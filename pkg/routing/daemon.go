package routing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// DaemonConfig configures Serve.
type DaemonConfig struct {
	Port         uint16
	IndexBaseURL string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Serve runs the router daemon until ctx is cancelled: it starts the
// watcher goroutine (collapsing its next tick to "now" on SIGHUP) and
// serves the proxy handler on cfg.Port.
func Serve(ctx context.Context, cfg DaemonConfig, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	table := NewTable()
	client := NewIndexClient(cfg.IndexBaseURL)
	watcher := NewWatcher(table, client, log)

	refresh := make(chan struct{}, 1)
	go watchSighup(ctx, refresh, log)
	go watcher.Run(ctx, refresh)

	server := &http.Server{
		Addr:         fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		Handler:      NewProxyHandler(table, log),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("gpt router listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		// SIGTERM starts a 120-second grace period before forced exit,
		// giving in-flight proxied requests (including long-lived
		// WebSocket streams) a chance to finish rather than being cut
		// off immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}

// shutdownGracePeriod mirrors pkg/heartbeat.GracePeriod: the host daemon
// honors the same 120-second drain window on SIGTERM that the guest
// applies when draining.
const shutdownGracePeriod = 120 * time.Second

// watchSighup collapses the watcher's next periodic tick to "now" via a
// bounded (capacity-1) signal channel.
func watchSighup(ctx context.Context, refresh chan<- struct{}, log zerolog.Logger) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			log.Info().Msg("received SIGHUP, triggering watcher refresh")
			select {
			case refresh <- struct{}{}:
			default:
			}
		}
	}
}
