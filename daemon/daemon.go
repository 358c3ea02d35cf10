// Package daemon implements the supervisor (§4.J): it wires the state
// store, session manager, share manager, marker signer, router, HTTP
// and WebSocket proxies, and admin API together behind one HTTP
// listener per configured bind address, and owns the background
// revalidation/sweep ticks and graceful shutdown sequence.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuzic/ttyd-mux/api"
	"github.com/cuzic/ttyd-mux/config"
	"github.com/cuzic/ttyd-mux/marker"
	"github.com/cuzic/ttyd-mux/proxy"
	"github.com/cuzic/ttyd-mux/router"
	"github.com/cuzic/ttyd-mux/session"
	"github.com/cuzic/ttyd-mux/share"
	"github.com/cuzic/ttyd-mux/state"
	"github.com/cuzic/ttyd-mux/tmux"
	"github.com/cuzic/ttyd-mux/webassets"
)

// Daemon holds every component wired together and implements
// http.Handler directly (see handler.go).
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *state.Store
	sessions *session.Manager
	shares   *share.Manager
	markers  *marker.Signer
	router   *router.Router

	httpProxy      *proxy.HTTPProxy
	wsProxy        *proxy.WSProxy
	api            *api.API
	staticHandler  http.Handler
	outputObserver proxy.OutputObserver

	httpServer *http.Server

	shutdownOnce sync.Once
	cancel       context.CancelFunc
}

// New wires every component from cfg and store. outputObserver may be
// nil (no notification delivery ships with the core, §4.H).
func New(cfg *config.Config, store *state.Store, logger *slog.Logger, outputObserver proxy.OutputObserver) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tmuxC := &tmux.Client{}
	spawner := &session.ChildSpawner{Bin: cfg.TerminalServerBin}
	sessions := session.New(store, tmuxC, cfg, spawner, logger)

	shares := share.New(store, sessions, cfg, logger)

	markers := marker.NewSigner([]byte(cfg.MarkerSecret))

	r := router.New(cfg, sessions, shares, markers)

	staticHandler, err := webassets.FileServer()
	if err != nil {
		return nil, fmt.Errorf("build static asset server: %w", err)
	}

	d := &Daemon{
		cfg:            cfg,
		logger:         logger,
		store:          store,
		sessions:       sessions,
		shares:         shares,
		markers:        markers,
		router:         r,
		httpProxy:      proxy.NewHTTPProxy(cfg.BasePath, logger),
		wsProxy:        proxy.NewWSProxy(logger),
		staticHandler:  staticHandler,
		outputObserver: outputObserver,
	}
	d.api = api.New(cfg, sessions, shares, store, d.RequestShutdown, logger)

	return d, nil
}

// RequestShutdown triggers the same graceful shutdown sequence used
// for OS termination signals; safe to call multiple times and from the
// admin API's POST /shutdown handler (§4.I, §4.J).
func (d *Daemon) RequestShutdown() {
	d.shutdownOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// listen opens one TCP listener per configured bind address (§6
// listen_addresses), all serving the same handler on daemon_port.
func (d *Daemon) listen() ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(d.cfg.ListenAddresses))
	for _, addr := range d.cfg.ListenAddresses {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, d.cfg.DaemonPort))
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return nil, fmt.Errorf("listen on %s:%d: %w", addr, d.cfg.DaemonPort, err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// Run starts the daemon and blocks until ctx is cancelled (OS signal)
// or RequestShutdown is called, then performs the graceful shutdown
// sequence (§4.J): stop accepting, drain existing connections within
// shutdown_grace, stop every session, clear the daemon identity.
func (d *Daemon) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.store.Load(); err != nil {
		d.logger.Warn("daemon: state load failed, starting empty", "error", err)
	}
	reval := d.sessions.Revalidate()
	d.logger.Info("daemon: startup revalidation", "still_alive", len(reval.StillAlive), "removed", len(reval.Removed))

	if err := d.store.SetDaemon(state.DaemonIdentity{
		PID:        os.Getpid(),
		ListenPort: d.cfg.DaemonPort,
		StartedAt:  time.Now(),
	}); err != nil {
		d.logger.Warn("daemon: failed to record daemon identity", "error", err)
	}

	listeners, err := d.listen()
	if err != nil {
		return err
	}

	d.httpServer = &http.Server{Handler: d}

	g, gctx := errgroup.WithContext(runCtx)

	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			d.logger.Info("daemon: listening", "addr", ln.Addr().String())
			if err := d.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		d.tickRevalidate(gctx)
		return nil
	})
	g.Go(func() error {
		d.tickShareSweep(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	return g.Wait()
}

func (d *Daemon) tickRevalidate(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RevalidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sessions.Revalidate()
		}
	}
}

func (d *Daemon) tickShareSweep(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ShareSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.shares.Sweep()
		}
	}
}

// shutdown implements the ordered teardown (§4.J "Graceful shutdown").
func (d *Daemon) shutdown() error {
	d.logger.Info("daemon: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer cancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("daemon: http server shutdown did not complete cleanly", "error", err)
	}

	d.sessions.StopAll()

	if err := d.store.ClearDaemon(); err != nil {
		d.logger.Warn("daemon: failed to clear daemon identity", "error", err)
	}

	d.logger.Info("daemon: shutdown complete")
	return nil
}
