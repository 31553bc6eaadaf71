package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/FunwayHQ/project-aegis-sub001/internal/cache"
	"github.com/FunwayHQ/project-aegis-sub001/internal/challenge"
	"github.com/FunwayHQ/project-aegis-sub001/internal/controlapi"
	"github.com/FunwayHQ/project-aegis-sub001/internal/dispatcher"
	"github.com/FunwayHQ/project-aegis-sub001/internal/identity"
	"github.com/FunwayHQ/project-aegis-sub001/internal/modstore"
	"github.com/FunwayHQ/project-aegis-sub001/internal/proxycore"
	"github.com/FunwayHQ/project-aegis-sub001/internal/ratelimit"
	"github.com/FunwayHQ/project-aegis-sub001/internal/routetable"
	"github.com/FunwayHQ/project-aegis-sub001/internal/runtime"
	"github.com/FunwayHQ/project-aegis-sub001/internal/syncbus"
	"github.com/FunwayHQ/project-aegis-sub001/internal/threatintel"
	"github.com/FunwayHQ/project-aegis-sub001/internal/tlsintercept"
	"github.com/FunwayHQ/project-aegis-sub001/internal/vmetrics"
	"github.com/FunwayHQ/project-aegis-sub001/internal/xdpfilter"
	"github.com/FunwayHQ/project-aegis-sub001/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "aegis"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(identityCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "identity"}
	show := &cobra.Command{
		Use:   "show [key-file]",
		Short: "print this node's public key and node id",
		Run: func(cmd *cobra.Command, args []string) {
			path := "aegis_identity.seed"
			if len(args) > 0 {
				path = args[0]
			}
			id, err := identity.LoadOrCreate(path)
			if err != nil {
				logrus.WithError(err).Fatal("identity: load or create")
			}
			logrus.WithFields(logrus.Fields{
				"node_id":    id.NodeID(),
				"public_key": id.PublicKeyHex(),
			}).Info("identity")
		},
	}
	cmd.AddCommand(show)
	return cmd
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the aegis edge node",
		Run: func(cmd *cobra.Command, args []string) {
			runNode(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

// cacheAdapter satisfies internal/runtime.HostServices over an
// internal/cache.Client, converting between the host API's integer-seconds
// TTL and the cache package's time.Duration.
type cacheAdapter struct{ c *cache.Client }

func (a cacheAdapter) CacheGet(ctx context.Context, key string) ([]byte, bool) {
	return a.c.Get(ctx, key)
}

func (a cacheAdapter) CacheSet(ctx context.Context, key string, value []byte, ttlSeconds uint32) error {
	return a.c.Set(ctx, key, value, time.Duration(ttlSeconds)*time.Second)
}

func runNode(env string) {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(env)
	if err != nil {
		log.WithError(err).Fatal("aegis: load config")
	}

	id, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		log.WithError(err).Fatal("aegis: load identity")
	}
	log.WithField("node_id", id.NodeID()).Info("aegis: identity loaded")

	cacheClient, err := cache.New(cfg.Cache.URL, time.Duration(cfg.Cache.DefaultTTL)*time.Second, log)
	if err != nil {
		log.WithError(err).Fatal("aegis: connect cache")
	}
	defer cacheClient.Close()

	var bus ratelimit.Publisher
	var syncBus *syncbus.Bus
	if cfg.SyncBus.URL != "" {
		sb, connErr := syncbus.Connect(syncbus.Options{
			URL:           cfg.SyncBus.URL,
			StreamName:    cfg.SyncBus.StreamName,
			SubjectPrefix: cfg.SyncBus.SubjectPrefix,
			SelfActor:     cfg.RateLimiter.ActorID,
		}, log)
		if connErr != nil {
			log.WithError(connErr).Warn("aegis: sync bus unavailable, rate limiter running node-local")
		} else {
			defer sb.Close()
			bus = sb
			syncBus = sb
		}
	}

	limiter := ratelimit.New(ratelimit.Config{
		ActorID:     cfg.RateLimiter.ActorID,
		Duration:    time.Duration(cfg.RateLimiter.WindowSecs) * time.Second,
		MaxRequests: cfg.RateLimiter.MaxRequests,
	}, bus)

	if syncBus != nil {
		durableName := fmt.Sprintf("aegis-ratelimiter-%d", cfg.RateLimiter.ActorID)
		stopSub, subErr := syncBus.Subscribe(durableName, func(msg syncbus.CounterOpMessage) error {
			return limiter.ApplyRemote(msg.Operation)
		})
		if subErr != nil {
			log.WithError(subErr).Warn("aegis: rate limiter sync subscription failed")
		} else {
			defer stopSub()
		}
	}

	compactionInterval := time.Duration(cfg.RateLimiter.CompactionSecs) * time.Second
	if compactionInterval <= 0 {
		compactionInterval = 5 * time.Minute
	}
	stopSweepers := limiter.RunSweepers(compactionInterval)
	defer stopSweepers()

	packetFilter := xdpfilter.New(xdpfilter.Config{
		SynThreshold:  cfg.PacketFilter.SynThreshold,
		BlockDuration: time.Duration(cfg.PacketFilter.BlockDurationMS) * time.Millisecond,
	})

	store, err := modstore.New(cfg.ModuleStore.CacheDir, cfg.ModuleStore.PrimaryEndpoint, cfg.ModuleStore.FallbackGateways)
	if err != nil {
		log.WithError(err).Fatal("aegis: open module store")
	}

	vm := runtime.New(cacheAdapter{cacheClient}, runtime.Quotas{
		MaxMemoryBytes:    cfg.Runtime.MaxMemoryBytes,
		MaxFuelUnits:      cfg.Runtime.MaxFuelUnits,
		WallClockDeadline: time.Duration(cfg.Runtime.WallClockMillis) * time.Millisecond,
	}, log)

	counters := &vmetrics.LiveCounters{}

	disp := dispatcher.New(vm, limiter)
	disp.Metrics = counters

	routes, err := loadRouteTable(cfg.Proxy.RouteTableFile)
	if err != nil {
		log.WithError(err).Fatal("aegis: load route table")
	}

	trusted, err := proxycore.NewTrustedProxies(cfg.Proxy.TrustedProxies, nil)
	if err != nil {
		log.WithError(err).Fatal("aegis: parse trusted proxies")
	}

	fingerprints := tlsintercept.NewCache()

	proxy := proxycore.NewHandler(proxycore.Handler{
		Routes:       routes,
		Dispatch:     disp,
		Cache:        cacheClient,
		Fingerprints: fingerprints,
		Trusted:      trusted,
		Upstream: proxycore.Upstream{
			Host:   cfg.Proxy.Origin.Host,
			Port:   cfg.Proxy.Origin.Port,
			UseTLS: cfg.Proxy.Origin.TLS,
		},
		DefaultTTL: time.Duration(cfg.Cache.DefaultTTL) * time.Second,
		Metrics:    counters,
		Log:        log,
	})

	challengeMgr := challenge.NewManager(id)

	exporter := vmetrics.NewExporter(counters, log)
	go exporter.Run(context.Background(), 15*time.Second)

	var metricsReader *vmetrics.Reader
	if cfg.Metrics.LogPath != "" {
		recorder, err := vmetrics.NewRecorder(cfg.Metrics.LogPath, id, exporter)
		if err != nil {
			log.WithError(err).Fatal("aegis: open verifiable metrics log")
		}
		defer recorder.Close()
		go recorder.Run(context.Background(), time.Duration(cfg.Metrics.AggregationPeriod)*time.Second)
		metricsReader = vmetrics.NewReader(cfg.Metrics.LogPath)
	}

	ctlHandler := &controlapi.Handler{
		Challenge:  challengeMgr,
		Metrics:    exporter,
		MetricsLog: metricsReader,
		Modules:    vm.Registry(),
		Store:      store,
		Trusted:    trusted,
		AdminToken: os.Getenv("AEGIS_ADMIN_TOKEN"),
		Log:        log,
	}

	if cfg.ThreatIntel.Enabled {
		node, err := threatintel.NewNode(threatintel.Config{
			ListenAddr:     cfg.ThreatIntel.ListenAddr,
			DiscoveryTag:   cfg.ThreatIntel.Topic,
			BootstrapPeers: cfg.ThreatIntel.BootstrapPeers,
		}, id, packetFilter, counters, log)
		if err != nil {
			log.WithError(err).Warn("aegis: threat intel node unavailable")
		} else {
			defer node.Close()
		}
	}

	// The proxy listens in three layers: a raw TCP listener accepts the
	// connection, xdpfilter.FilteredListener runs C1's admission decision
	// on it, and tlsintercept.Splicer peeks the ClientHello, records its
	// fingerprint, and splices the connection through to an internal
	// loopback listener that proxySrv actually serves HTTP on. This mirrors
	// the kernel-filter -> TLS-intercept -> application data flow with the
	// filter and intercept stages genuinely in front of every connection,
	// rather than bypassed.
	externalLn, err := net.Listen("tcp", cfg.Proxy.HTTPAddr)
	if err != nil {
		log.WithError(err).Fatal("aegis: listen proxy address")
	}
	filteredLn := xdpfilter.NewFilteredListener(externalLn, packetFilter, log)

	internalLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.WithError(err).Fatal("aegis: listen internal tls terminator")
	}

	splicer := tlsintercept.NewSplicer(fingerprints, func() (net.Conn, error) {
		return net.Dial("tcp", internalLn.Addr().String())
	})

	go func() {
		for {
			conn, acceptErr := filteredLn.Accept()
			if acceptErr != nil {
				if !errors.Is(acceptErr, net.ErrClosed) {
					log.WithError(acceptErr).Warn("aegis: proxy accept loop stopped")
				}
				return
			}
			go func(c net.Conn) {
				if handleErr := splicer.Handle(c); handleErr != nil {
					log.WithError(handleErr).Debug("aegis: splice session ended")
				}
			}(conn)
		}
	}()

	proxySrv := &http.Server{Handler: proxy}
	ctlSrv := &http.Server{Addr: cfg.ControlAPI.ListenAddr, Handler: ctlHandler.Router()}

	go func() {
		log.WithField("addr", cfg.Proxy.HTTPAddr).Info("aegis: proxy listening")
		if err := proxySrv.Serve(internalLn); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("aegis: proxy server stopped")
		}
	}()
	go func() {
		log.WithField("addr", cfg.ControlAPI.ListenAddr).Info("aegis: control api listening")
		if err := ctlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("aegis: control api server stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("aegis: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = externalLn.Close()
	_ = proxySrv.Shutdown(shutdownCtx)
	_ = ctlSrv.Shutdown(shutdownCtx)
}

func loadRouteTable(path string) (*routetable.Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file routetable.File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	return routetable.NewTable(file)
}
