// Package relay wires the relay components together and owns their lifecycle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pacsrelay/pacsrelay/internal/config"
	"github.com/pacsrelay/pacsrelay/internal/forward"
	"github.com/pacsrelay/pacsrelay/internal/ingest"
	"github.com/pacsrelay/pacsrelay/internal/ledger"
	"github.com/pacsrelay/pacsrelay/internal/logging/audit"
	"github.com/pacsrelay/pacsrelay/internal/metrics"
	"github.com/pacsrelay/pacsrelay/internal/retention"
	"github.com/pacsrelay/pacsrelay/internal/stats"
	"github.com/pacsrelay/pacsrelay/internal/store"
	"github.com/pacsrelay/pacsrelay/internal/tracing"
	"github.com/pacsrelay/pacsrelay/internal/transport"
)

// State is a controller lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrNotStopped is returned by Start unless the controller is stopped.
var ErrNotStopped = errors.New("relay is not stopped")

// Controller starts and stops the listener, the background loops and the
// optional metrics endpoint.
type Controller struct {
	cfg      *config.Config
	listener transport.Listener
	metrics  *metrics.RelayMetrics

	ledger  *ledger.Ledger
	stats   *stats.Aggregator
	engine  *forward.Engine
	sweeper *retention.Sweeper
	handler *ingest.Handler
	tracer  *tracing.Recorder

	mu         sync.Mutex
	state      State
	settled    chan struct{} // closed when an in-flight Start returns
	cancel     context.CancelFunc
	group      *errgroup.Group
	metricsSrv *http.Server
}

// New builds a controller from a loaded config. m may be nil.
func New(cfg *config.Config, listener transport.Listener, dialer transport.Dialer, m *metrics.RelayMetrics) (*Controller, error) {
	var saver ingest.Saver
	var writer *store.Writer
	if cfg.StoreLocally {
		w, err := store.NewWriter(cfg.StorageDir)
		if err != nil {
			return nil, err
		}
		saver, writer = w, w
	}

	c := &Controller{
		cfg:      cfg,
		listener: listener,
		metrics:  m,
		ledger:   ledger.Open(cfg.LedgerFile),
		stats:    stats.New(m),
	}

	c.engine = forward.NewEngine(dialer, UpstreamOptions(cfg), cfg.RetryAttempts, m)
	if cfg.RetentionEnabled() {
		c.sweeper = retention.New(c.ledger, cfg.RetentionWindow(), cfg.StorageDir, m)
		if writer != nil {
			c.sweeper.SetGuard(writer)
		}
	}

	opts := ingest.Options{
		StoreLocally:       cfg.StoreLocally,
		ForwardImmediately: cfg.ForwardImmediately,
	}
	c.handler = ingest.New(opts, saver, c.engine, c.ledger, c.stats, m)

	if cfg.TraceBuffer > 0 {
		c.tracer = tracing.New(cfg.TraceBuffer.Bytes())
	}

	m.TrackLedger(c.ledger.Len)
	return c, nil
}

// UpstreamOptions returns the dial options for the configured upstream.
func UpstreamOptions(cfg *config.Config) transport.DialOptions {
	return transport.DialOptions{
		Host:           cfg.Upstream.Address,
		Port:           cfg.Upstream.Port,
		RemoteIdentity: cfg.Upstream.Identity,
		LocalIdentity:  cfg.Receiver.Identity,
	}
}

// SetAudit sends object and purge events to a. Call it before Start.
func (c *Controller) SetAudit(a *audit.Logger) {
	c.handler.SetAudit(a)
	if c.sweeper != nil {
		c.sweeper.SetAudit(a)
	}
}

// SessionEvents returns listener hooks that log session events, count them in
// m and record admission decisions in a. Both m and a may be nil.
func SessionEvents(m *metrics.RelayMetrics, a *audit.Logger) transport.Events {
	return transport.Events{
		OnRequested: func(p transport.Peer) {
			m.SessionEvent("requested")
			log.Debug().Str("peer", p.Identity).Str("addr", p.Address).Msg("session requested")
		},
		OnRejected: func(p transport.Peer, reason string) {
			m.SessionEvent("rejected")
			a.LogSession(p.Identity, p.Address, audit.ResultDenied, reason)
			log.Info().Str("peer", p.Identity).Str("addr", p.Address).Str("reason", reason).Msg("session rejected")
		},
		OnAccepted: func(p transport.Peer) {
			m.SessionEvent("accepted")
			a.LogSession(p.Identity, p.Address, audit.ResultAllowed, "")
			log.Info().Str("peer", p.Identity).Str("addr", p.Address).Msg("session accepted")
		},
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stats returns the aggregator.
func (c *Controller) Stats() *stats.Aggregator { return c.stats }

// Ledger returns the forwarded-object ledger.
func (c *Controller) Ledger() *ledger.Ledger { return c.ledger }

// Handler returns the ingestion handler.
func (c *Controller) Handler() *ingest.Handler { return c.handler }

// Start validates the config, binds the listener and starts the background
// loops. A listener that fails to bind within the startup timeout leaves
// the controller stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStopped, c.state)
	}
	c.state = Starting
	settled := make(chan struct{})
	c.settled = settled
	c.mu.Unlock()
	defer close(settled)

	if err := c.cfg.Validate(); err != nil {
		c.setState(Stopped)
		return err
	}

	if err := c.startListener(ctx); err != nil {
		c.setState(Stopped)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		return c.stats.Run(gctx, c.cfg.StatsEvery())
	})
	if c.sweeper != nil {
		g.Go(func() error {
			return c.sweeper.Run(gctx, c.cfg.RetentionEvery())
		})
	}

	if c.tracer != nil {
		if err := c.tracer.Start(); err != nil {
			log.Warn().Err(err).Msg("trace recorder disabled")
		}
	}
	msrv := c.startMetrics()

	c.mu.Lock()
	c.cancel = cancel
	c.group = g
	c.metricsSrv = msrv
	c.state = Running
	c.mu.Unlock()

	log.Info().
		Str("identity", c.cfg.Receiver.Identity).
		Str("listen", c.cfg.Receiver.Addr()).
		Str("upstream", UpstreamOptions(c.cfg).Addr()).
		Bool("store_locally", c.cfg.StoreLocally).
		Bool("forward_immediately", c.cfg.ForwardImmediately).
		Int("retry_attempts", c.engine.Attempts()).
		Int("auto_delete_days", c.cfg.AutoDeleteDays).
		Int("ledger_entries", c.ledger.Len()).
		Msg("relay running")
	return nil
}

func (c *Controller) startListener(ctx context.Context) error {
	wait := c.cfg.StartupWait()
	startCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.listener.Start(startCtx, c.handler.Handle)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start listener: %w", err)
		}
		return nil
	case <-startCtx.Done():
		// The listener may still come up; make sure it does not linger.
		go func() {
			if err := <-errCh; err == nil {
				shutdownCtx, done := context.WithTimeout(context.Background(), c.cfg.ShutdownWait())
				defer done()
				_ = c.listener.Shutdown(shutdownCtx)
			}
		}()
		return fmt.Errorf("start listener: not bound within %s: %w", wait, startCtx.Err())
	}
}

func (c *Controller) startMetrics() *http.Server {
	if c.cfg.MetricsListen == "" {
		return nil
	}
	ln, err := net.Listen("tcp", c.cfg.MetricsListen)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.cfg.MetricsListen).Msg("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", c.healthHandler)
	if c.tracer != nil {
		mux.Handle("/debug/trace", c.tracer.Handler())
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	return srv
}

// healthHandler answers 200 while the relay is running and 503 otherwise.
func (c *Controller) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := c.State()
	if state != Running {
		http.Error(w, state.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Stop shuts everything down, emits a final statistics report and saves the
// ledger. A Stop that arrives while Start is still binding waits for Start to
// finish and then stops whatever came up. Calling Stop on a controller that
// is stopped does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Starting {
		settled := c.settled
		c.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if c.state != Running {
		c.mu.Unlock()
		return nil
	}
	c.state = Stopping
	cancel, g, msrv := c.cancel, c.group, c.metricsSrv
	c.cancel, c.group, c.metricsSrv = nil, nil, nil
	c.mu.Unlock()

	log.Info().Msg("stopping relay")

	cancel()

	shutdownCtx, done := context.WithTimeout(ctx, c.cfg.ShutdownWait())
	defer done()

	var errs []error
	if err := c.listener.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown listener: %w", err))
	}
	if msrv != nil {
		if err := msrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	if c.tracer != nil {
		c.tracer.Stop()
	}

	c.stats.Report(true)
	if err := c.ledger.Save(); err != nil {
		errs = append(errs, err)
		log.Error().Err(err).Msg("failed to save ledger on shutdown")
	}

	c.setState(Stopped)
	log.Info().Msg("relay stopped")
	return errors.Join(errs...)
}

// Run starts the relay and blocks until ctx is cancelled, then stops it.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop(context.Background())
}
