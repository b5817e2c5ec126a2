// Command someipd is the SOME/IP middleware daemon: it offers/finds
// services via SOME/IP-SD, routes requests/responses/notifications
// between local applications and remote endpoints, and serves
// Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/covesa/someip-go/internal/config"
	"github.com/covesa/someip-go/internal/endpoint"
	"github.com/covesa/someip-go/internal/routing"
	"github.com/covesa/someip-go/internal/sd"
	"github.com/covesa/someip-go/internal/wire"
)

var (
	configPath  = flag.String("config", "/etc/someipd/someipd.yaml", "path to the someipd YAML configuration file")
	verbose     = flag.Bool("v", false, "enable verbose (debug) logging")
	metricsAddr = flag.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	sdInterface = flag.String("sd-interface", "", "network interface to join the SD multicast group on (empty uses the system default)")
	versionFlag = flag.Bool("version", false, "print build version and exit")

	// set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitClean        = 0
	exitConfigError  = 1
	exitFatalBindErr = 2
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("someipd version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(exitClean)
	}

	log := newLogger(*verbose)
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, cfg); err != nil {
		log.Error("someipd exited with error", "error", err)
		os.Exit(exitFatalBindErr)
	}
	log.Info("someipd shutdown complete")
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Config) error {
	if *metricsAddr != "" {
		if err := serveMetrics(log, *metricsAddr); err != nil {
			return fmt.Errorf("someipd: metrics server: %w", err)
		}
	}

	endpoints := endpoint.NewManager(ctx, endpoint.WithLogger(log))
	defer endpoints.Close()

	sdCfg := cfg.ServiceDiscovery()
	timing := sd.Timing{
		InitialDelayMin:      sdCfg.InitialDelayMin,
		InitialDelayMax:      sdCfg.InitialDelayMax,
		RepetitionBaseDelay:  sdCfg.RepetitionsBaseDelay,
		RepetitionsMax:       sdCfg.RepetitionsMax,
		TTL:                  sdCfg.TTL,
		CyclicOfferDelay:     sdCfg.CyclicOfferDelay,
		RequestResponseDelay: sdCfg.RequestResponseDelay,
	}

	transport, err := endpoint.NewMulticastEndpoint(log, sdCfg.Multicast, int(sdCfg.Port), *sdInterface, nil)
	if err != nil {
		return fmt.Errorf("someipd: SD transport: %w", err)
	}

	engine := sd.NewEngine(log, timing, clockwork.NewRealClock(), transport)
	transport.SetHandler(engine.HandleIncoming)

	dispatcher := routing.NewManagerDispatcher(endpoints, noopHandler{})
	core := routing.NewCore(dispatcher, engine,
		routing.WithLogger(log),
		routing.WithAdmissionLimits(cfg.SomeIP().MaxPayloadLocal, 0),
	)

	for _, svc := range cfg.Services() {
		if svc.Reliable != "" || svc.Unreliable != "" {
			engine.OfferService(sd.OfferConfig{ServiceID: svc.ServiceID, InstanceID: svc.InstanceID})
			log.Info("offering service", "service", svc.ServiceID, "instance", svc.InstanceID)
		}
		if svc.Reliable != "" {
			h := &dispatchHandler{log: log, core: core, instanceID: svc.InstanceID, protocol: endpoint.ProtocolTCP}
			if _, err := endpoints.ServerFor(endpoint.ProtocolTCP, svc.Reliable, h); err != nil {
				return fmt.Errorf("someipd: bind reliable endpoint for service %#x: %w", svc.ServiceID, err)
			}
		}
		if svc.Unreliable != "" {
			h := &dispatchHandler{log: log, core: core, instanceID: svc.InstanceID, protocol: endpoint.ProtocolUDP}
			srv, err := endpoints.ServerFor(endpoint.ProtocolUDP, svc.Unreliable, h)
			if err != nil {
				return fmt.Errorf("someipd: bind unreliable endpoint for service %#x: %w", svc.ServiceID, err)
			}
			dispatcher.RegisterServer(svc.Unreliable, srv)
			for _, eg := range svc.Eventgroups {
				core.BindEventServer(routing.EventgroupKey{ServiceID: svc.ServiceID, InstanceID: svc.InstanceID, EventgroupID: eg.ID}, svc.Unreliable)
			}
		}
	}

	errCh := make(chan error, 2)
	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("SD transport: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("SD engine: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(log *slog.Logger, addr string) error {
	buildInfo := promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "someipd_build_info",
		Help: "Build information of someipd.",
	}, []string{"version", "commit", "date"})
	buildInfo.WithLabelValues(version, commit, date).Set(1)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		log.Info("prometheus metrics server started", "address", ln.Addr().String())
		if err := http.Serve(ln, mux); err != nil {
			log.Warn("prometheus metrics server stopped", "error", err)
		}
	}()
	return nil
}

// dispatchHandler decodes each inbound frame and feeds it to the routing
// core: requests go through Dispatch (which pins the (service, instance,
// method) key to whichever target bound it first), responses/errors
// through RouteResponse.
type dispatchHandler struct {
	log        *slog.Logger
	core       *routing.Core
	instanceID uint16
	protocol   endpoint.Protocol
}

func (h *dispatchHandler) OnMessage(peer net.Addr, payload []byte) {
	msg, _, err := wire.Decode(payload, len(payload))
	if err != nil {
		h.log.Warn("someipd: malformed frame", "peer", peer, "error", err)
		return
	}
	if err := h.core.Dispatch(h.instanceID, msg, h.protocol); err != nil {
		h.log.Debug("someipd: dispatch failed", "peer", peer, "error", err)
	}
}

func (h *dispatchHandler) OnConnect()    {}
func (h *dispatchHandler) OnDisconnect() {}

// noopHandler satisfies endpoint.Handler for bindings whose inbound
// traffic routing.Core does not yet consume directly (e.g. server
// endpoints reached only through ManagerDispatcher.SendSubscriber, or
// client endpoints created purely to forward a remote request).
type noopHandler struct{}

func (noopHandler) OnMessage(net.Addr, []byte) {}
func (noopHandler) OnConnect()                 {}
func (noopHandler) OnDisconnect()              {}
