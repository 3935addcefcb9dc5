// corebfd daemon -- BFD protocol implementation (RFC 5880/5881/5883/9747).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nthop/corebfd/internal/bfdcore"
	"github.com/nthop/corebfd/internal/config"
	"github.com/nthop/corebfd/internal/controlplane"
	"github.com/nthop/corebfd/internal/metrics"
	"github.com/nthop/corebfd/internal/transport"
	appversion "github.com/nthop/corebfd/internal/version"
)

// shutdownTimeout is the maximum time to wait for servers to drain active
// connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after setting every session to AdminDown
// before proceeding with shutdown, so the final AdminDown packets reach
// peers (RFC 5880 Section 6.8.16).
const drainTimeout = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("corebfd starting",
		slog.String("version", appversion.Version),
		slog.String("control_socket", cfg.Control.SocketPath),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	d, err := newDaemon(cfg, logger, collector)
	if err != nil {
		logger.Error("failed to initialize BFD core", slog.String("error", err.Error()))
		return 1
	}

	if err := runServers(d, cfg, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("corebfd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("corebfd stopped")
	return 0
}

// daemon bundles every long-lived collaborator a running corebfd process
// wires together, mirroring the teacher's Manager as the single object
// runServers threads through the rest of main.go.
type daemon struct {
	table      *bfdcore.SessionTable
	discr      *bfdcore.DiscriminatorAllocator
	timers     *bfdcore.TimerWheel
	timerEvts  chan bfdcore.TimerEvent
	notify     *bfdcore.NotifyOut
	sla        *bfdcore.SlaMeter
	xport      *transport.Transport
	dispatcher *bfdcore.Dispatcher
	applier    *bfdcore.ConfigApplier
	cp         *controlplane.ControlPlane
	collector  *metrics.Collector
}

// newDaemon wires the BFD core collaborators together, resolving the
// Transport/Dispatcher circular dependency via Transport.New followed by
// Transport.SetDispatcher (see internal/transport.New's doc comment).
func newDaemon(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*daemon, error) {
	table := bfdcore.NewSessionTable()
	discr := bfdcore.NewDiscriminatorAllocator()
	timerEvts := make(chan bfdcore.TimerEvent, 256)
	timers := bfdcore.NewTimerWheel(nil, timerEvts)
	notify := bfdcore.NewNotifyOut()
	sla := bfdcore.NewSlaMeter()

	xport := transport.New(table, logger)
	dispatcher := bfdcore.NewDispatcher(table, timers, xport, notify, sla, nil)
	xport.SetDispatcher(dispatcher)

	observer := metricsObserver{collector: collector}
	dispatcher.SetObserver(observer)
	xport.SetObserver(observer)

	applier := bfdcore.NewConfigApplier(table, discr, timers, xport, notify)
	cp := controlplane.New(applier, table, dispatcher, notify, cfg.Control.SocketPath, logger)

	return &daemon{
		table:      table,
		discr:      discr,
		timers:     timers,
		timerEvts:  timerEvts,
		notify:     notify,
		sla:        sla,
		xport:      xport,
		dispatcher: dispatcher,
		applier:    applier,
		cp:         cp,
		collector:  collector,
	}, nil
}

// runMetricsBridge subscribes to the NotifyOut event stream and feeds the
// Prometheus collector from it, so session lifecycle/state/SLA events show
// up as metrics without Dispatcher or ConfigApplier needing to know
// Prometheus exists (the same seam internal/controlplane's Watch endpoint
// consumes).
func (d *daemon) runMetricsBridge(ctx context.Context) error {
	ch := d.notify.Subscribe()
	defer d.notify.Unsubscribe(ch)

	lastState := make(map[uint32]string)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			d.handleMetricsEvent(ev, lastState)
		}
	}
}

func (d *daemon) handleMetricsEvent(ev any, lastState map[uint32]string) {
	switch e := ev.(type) {
	case bfdcore.PeerConfigEvent:
		sessType := "single_hop"
		if e.Identity.MultiHop {
			sessType = "multi_hop"
		}
		switch e.Op {
		case bfdcore.OpConfigAdd:
			d.collector.RegisterSession(e.Identity.PeerAddress, e.Identity.LocalAddress, sessType)
		case bfdcore.OpConfigDelete:
			d.collector.UnregisterSession(e.Identity.PeerAddress, e.Identity.LocalAddress, sessType)
		}

	case bfdcore.PeerStatusEvent:
		prev, seen := lastState[e.LocalDiscr]
		lastState[e.LocalDiscr] = e.State
		if seen && prev != e.State {
			d.collector.RecordStateTransition(e.Identity.PeerAddress, e.Identity.LocalAddress, prev, e.State)
		}

	case bfdcore.PeerSLAEvent:
		s, ok := d.table.FindByDiscriminator(e.LocalDiscr)
		if !ok {
			return
		}
		peer, local := peerAndLocal(s)
		d.collector.RecordSLA(peer, local, e.LatencyMS, e.JitterMS, e.PktLossPct)
	}
}

// peerAndLocal resolves the (peer, local) address pair a session's metrics
// are labeled with, covering both single-hop and multi-hop identity shapes.
func peerAndLocal(s *bfdcore.Session) (peer, local netip.Addr) {
	local = s.LocalAddr
	switch {
	case s.Shop != nil:
		peer = s.Shop.Peer
	case s.Mhop != nil:
		peer = s.Mhop.Peer
	}
	return peer, local
}

// metricsObserver implements bfdcore.PacketObserver by forwarding to the
// Prometheus collector, resolving each session's peer/local addresses the
// same way runMetricsBridge does. It is the packet-level counterpart to
// that event-driven bridge: Dispatcher and Transport call it directly from
// the send/receive hot path instead of through a NotifyOut event, since
// NotifyOut carries no packet-level event kind.
type metricsObserver struct {
	collector *metrics.Collector
}

func (o metricsObserver) ObserveControlSent(s *bfdcore.Session) {
	peer, local := peerAndLocal(s)
	o.collector.IncPacketsSent(peer, local)
}

func (o metricsObserver) ObserveControlReceived(s *bfdcore.Session) {
	peer, local := peerAndLocal(s)
	o.collector.IncPacketsReceived(peer, local)
}

func (o metricsObserver) ObserveControlDropped(peer, local netip.Addr) {
	o.collector.IncPacketsDropped(peer, local)
}

func (o metricsObserver) ObserveEchoSent(s *bfdcore.Session) {
	peer, local := peerAndLocal(s)
	o.collector.IncEchoPacketsSent(peer, local)
}

func (o metricsObserver) ObserveEchoReceived(s *bfdcore.Session) {
	peer, local := peerAndLocal(s)
	o.collector.IncEchoPacketsReceived(peer, local)
}

// runTimerLoop is the single goroutine that owns SessionTable mutation via
// Dispatcher (spec 5's single-threaded cooperative owner): it drains fired
// TimerWheel events and calls the matching Dispatcher entry point.
func (d *daemon) runTimerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-d.timerEvts:
			s, ok := d.table.FindByDiscriminator(ev.Discr)
			if !ok {
				continue
			}
			switch ev.Name {
			case bfdcore.TimerTx:
				d.dispatcher.OnTxTimeout(s)
			case bfdcore.TimerRx:
				d.dispatcher.OnRxTimeout(s)
			case bfdcore.TimerEchoTx:
				d.dispatcher.OnEchoTxTimeout(s)
			case bfdcore.TimerEchoRx:
				d.dispatcher.OnEchoRxTimeout(s)
			}
		}
	}
}

// drainAllSessions sets every session to AdminDown (RFC 5880 Section
// 6.8.16), so peers see an intentional shutdown rather than a detection
// timeout. Timer/interval fields are re-derived from the session's current
// negotiated values so the shutdown packet reflects what was actually
// running, not package defaults.
func (d *daemon) drainAllSessions(logger *slog.Logger) {
	for _, s := range d.table.Sessions() {
		cfg := bfdcore.PeerConfig{
			IPv6:               s.IPv6,
			MultiHop:           s.MultiHop,
			LocalAddress:       s.LocalAddr,
			Discriminator:      s.LocalDiscr,
			DetectMultiplier:   s.Timers.DetectMult,
			TransmitIntervalMS: uint32(s.Timers.UpMinTx / time.Millisecond),
			ReceiveIntervalMS:  uint32(s.Timers.RequiredMinRx / time.Millisecond),
			EchoIntervalMS:     uint32(s.Timers.RequiredMinEcho / time.Millisecond),
			EchoMode:           s.EchoEnabled,
			Shutdown:           true,
			Label:              s.Label,
		}
		switch {
		case s.Shop != nil:
			cfg.PeerAddress = s.Shop.Peer
			cfg.LocalInterface = s.Shop.PortName
		case s.Mhop != nil:
			cfg.PeerAddress = s.Mhop.Peer
			cfg.VRFName = s.Mhop.VRFName
		default:
			continue
		}

		_, leftover, err := d.applier.Apply(cfg)
		if err != nil {
			logger.Warn("drain session failed", slog.Uint64("discr", uint64(s.LocalDiscr)), slog.String("error", err.Error()))
			continue
		}
		d.dispatcher.ExecuteLeftover(s, leftover)
	}
}

// runServers wires every long-lived goroutine (BFD listeners, control
// plane, metrics HTTP, timer loop, watchdog, SIGHUP reload) into one
// errgroup keyed to a signal-aware context, mirroring the teacher's
// runServers/startHTTPServers/startDaemonGoroutines split.
func runServers(
	d *daemon,
	cfg *config.Config,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.runTimerLoop(gCtx) })
	g.Go(func() error { return d.runMetricsBridge(gCtx) })

	listenCfgs := transportListenConfigs(cfg)
	if len(listenCfgs) > 0 {
		g.Go(func() error { return d.xport.Listen(gCtx, listenCfgs...) })
	}

	g.Go(func() error {
		logger.Info("control plane listening", slog.String("socket", cfg.Control.SocketPath))
		return d.cp.Serve(gCtx)
	})

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	startDaemonGoroutines(gCtx, g, configPath, logLevel, d, logger)

	reconcileSessions(cfg, d, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, d, logger, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// transportListenConfigs derives the set of Transport.Listen configs from
// every distinct local address a declarative session names, covering
// single-hop control, multi-hop control, and (where requested) echo.
func transportListenConfigs(cfg *config.Config) []transport.ListenConfig {
	type key struct {
		addr     string
		multiHop bool
	}
	seen := make(map[key]bool)
	echoSeen := make(map[string]bool)
	var out []transport.ListenConfig

	for _, sc := range cfg.Sessions {
		localAddr, err := sc.LocalAddr()
		if err != nil || !localAddr.IsValid() {
			continue
		}
		multiHop := sc.Type == "multi_hop"
		k := key{addr: localAddr.String(), multiHop: multiHop}
		if !seen[k] {
			seen[k] = true
			out = append(out, transport.ListenConfig{
				Addr:     localAddr,
				IfName:   sc.Interface,
				MultiHop: multiHop,
			})
		}
		if sc.EchoMode && !echoSeen[k.addr] {
			echoSeen[k.addr] = true
			out = append(out, transport.ListenConfig{
				Addr:   localAddr,
				IfName: sc.Interface,
				Echo:   true,
			})
		}
	}
	return out
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP reload
// goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	d *daemon,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, d, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon_SdNotify(daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon_SdNotify(daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// daemon_SdNotify wraps daemon.SdNotify; named with an underscore to avoid
// colliding with this file's own daemon type.
func daemon_SdNotify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured watchdog interval. No-op if the watchdog is not configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level + session reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	d *daemon,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, d, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, d *daemon, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	reconcileSessions(newCfg, d, logger)
}

// reconcileSessions applies every declarative session in cfg.Sessions
// through ConfigApplier. Unlike the teacher's Manager.ReconcileSessions
// (which diffs and destroys sessions absent from the new config),
// declarative sessions here are additive only: an operator removes a
// session via the control socket's delete entry, not by editing the file
// out from under a running session a control-plane client may also be
// managing.
func reconcileSessions(cfg *config.Config, d *daemon, logger *slog.Logger) {
	if len(cfg.Sessions) == 0 {
		logger.Debug("no declarative sessions in config, skipping reconciliation")
		return
	}

	var applied int
	for _, sc := range cfg.Sessions {
		peerCfg, err := sessionConfigToPeerConfig(sc, cfg.BFD)
		if err != nil {
			logger.Error("invalid session config, skipping",
				slog.String("peer", sc.Peer),
				slog.String("error", err.Error()),
			)
			continue
		}

		s, leftover, err := d.applier.Apply(peerCfg)
		if err != nil {
			logger.Error("failed to apply declarative session, skipping",
				slog.String("peer", sc.Peer),
				slog.String("error", err.Error()),
			)
			continue
		}
		d.dispatcher.ExecuteLeftover(s, leftover)
		applied++
	}

	logger.Info("session reconciliation complete", slog.Int("applied", applied))
}

func sessionConfigToPeerConfig(sc config.SessionConfig, defaults config.BFDConfig) (bfdcore.PeerConfig, error) {
	peerAddr, err := sc.PeerAddr()
	if err != nil {
		return bfdcore.PeerConfig{}, fmt.Errorf("parse peer address: %w", err)
	}
	localAddr, err := sc.LocalAddr()
	if err != nil {
		return bfdcore.PeerConfig{}, fmt.Errorf("parse local address: %w", err)
	}

	detectMult := sc.DetectMult
	if detectMult == 0 {
		detectMult = uint32(defaults.DefaultDetectMultiplier)
	}
	if detectMult > 255 {
		return bfdcore.PeerConfig{}, fmt.Errorf("detect_mult %d exceeds maximum 255", detectMult)
	}

	desiredMinTx := sc.DesiredMinTx
	if desiredMinTx == 0 {
		desiredMinTx = defaults.DefaultDesiredMinTx
	}
	requiredMinRx := sc.RequiredMinRx
	if requiredMinRx == 0 {
		requiredMinRx = defaults.DefaultRequiredMinRx
	}
	requiredMinEcho := sc.RequiredMinEcho
	if requiredMinEcho == 0 {
		requiredMinEcho = defaults.DefaultRequiredMinEcho
	}

	return bfdcore.PeerConfig{
		IPv6:               peerAddr.Is6(),
		MultiHop:           sc.Type == "multi_hop",
		PeerAddress:        peerAddr,
		LocalAddress:       localAddr,
		LocalInterface:     sc.Interface,
		VRFName:            sc.VRFName,
		DetectMultiplier:   uint8(detectMult),
		TransmitIntervalMS: uint32(desiredMinTx / time.Millisecond),
		ReceiveIntervalMS:  uint32(requiredMinRx / time.Millisecond),
		EchoIntervalMS:     uint32(requiredMinEcho / time.Millisecond),
		EchoMode:           sc.EchoMode,
		Label:              sc.Label,
		TrackSLA:           sc.TrackSLA,
	}, nil
}

// -------------------------------------------------------------------------
// Graceful Shutdown — drain sessions + stop servers
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	d *daemon,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	d.drainAllSessions(logger)
	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
