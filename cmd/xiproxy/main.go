// Command xiproxy runs the XiProxy RPC gateway: a hash-sequenced sharded
// memcached/Redis front end, a shared answer cache, and a fan-out
// dispatcher over a hot-reloaded service list of external backends.
//
// The real wire transport this binary would accept quests over is out of
// scope for this module (spec §1); this entrypoint wires together the
// complete in-process core and exposes it over a minimal HTTP surface
// (metrics + health) rather than fabricating a full xic-wire listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/bigservant"
	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/mc"
	"github.com/halftwo/xigo/internal/metrics"
	"github.com/halftwo/xigo/internal/quickie"
	"github.com/halftwo/xigo/internal/rcache"
	"github.com/halftwo/xigo/internal/rds"
	"github.com/halftwo/xigo/internal/rpc"
	"github.com/halftwo/xigo/internal/util"
	"github.com/halftwo/xigo/internal/xiclient"
	"github.com/halftwo/xigo/internal/xiservant"
)

func main() {
	configPath := flag.String("config", "", "process config file (viper-readable: yaml/json/toml)")
	serviceListFlag := flag.String("service-list", "", "path to the BigServant service-list file (overrides config)")
	listenFlag := flag.String("listen", "", "this proxy's own address, used as the hash-sequencer self key (overrides config)")
	flag.Parse()

	settings, err := config.LoadProcessSettings(*configPath, "XIPROXY")
	if err != nil {
		fmt.Fprintln(os.Stderr, "xiproxy:", err)
		os.Exit(1)
	}
	if *serviceListFlag != "" {
		settings.ServiceListPath = *serviceListFlag
	}
	if *listenFlag != "" {
		settings.ListenAddr = *listenFlag
	}
	if settings.ServiceListPath == "" {
		fmt.Fprintln(os.Stderr, "xiproxy: -service-list (or service_list_path in config) is required")
		os.Exit(1)
	}

	log := util.NewLogger(settings.LogJSON)
	defer log.Sync()

	cache := rcache.New(0)
	mset := metrics.New("xiproxy")

	builder := &servantBuilder{log: log, metrics: mset, cache: cache}
	reg := bigservant.New(settings.ListenAddr, builder, log)
	ctrl := bigservant.NewCtrl(reg, cache)
	root := &rootDispatcher{
		registry: reg,
		fixed: map[string]rpc.Servant{
			"LCache":      rcache.NewLCache(cache),
			"Quickie":     quickie.New(reg),
			"XiProxyCtrl": ctrl,
		},
	}

	watcher := config.NewServiceListWatcher(settings.ServiceListPath, 5*time.Second, log)
	entries, err := watcher.LoadOnce()
	if err != nil {
		log.Fatal("xiproxy: failed to load service list", zap.Error(err))
	}
	reg.LoadConfig(entries)
	watcher.OnChange = func(entries []config.Entry) {
		reg.Reload(entries)
		mset.ObserveReload("ok")
	}
	watcher.Start()
	defer watcher.Stop()

	config.WatchLogLevel(*configPath, func(jsonEnabled bool) {
		log.Info("xiproxy: log format change requested; restart to apply", zap.Bool("json", jsonEnabled))
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := startMetricsServer(settings.MetricsAddr, mset, log)
	log.Info("xiproxy started",
		zap.String("listen", settings.ListenAddr),
		zap.String("metrics", settings.MetricsAddr),
		zap.String("service_list", settings.ServiceListPath),
		zap.Int("fixed_services", len(root.fixed)),
		zap.Int("configured_services", len(reg.Names())))

	<-ctx.Done()
	log.Info("xiproxy shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// rootDispatcher routes the three always-present internal utility
// services (spec §6: LCache, Quickie, XiProxyCtrl) directly, and
// everything else (MCache~*/Redis~*/external proxies named in the
// service-list file) through the Registry.
type rootDispatcher struct {
	registry *bigservant.Registry
	fixed    map[string]rpc.Servant
}

func (d *rootDispatcher) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	if s, ok := d.fixed[q.Service]; ok {
		s.Process(ctx, q, w)
		return
	}
	d.registry.Process(ctx, q, w)
}

// servantBuilder implements bigservant.Builder, constructing MCache/Redis
// servants for internal entries and an XiServant proxy for external ones.
type servantBuilder struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	cache   *rcache.Cache
}

func (b *servantBuilder) BuildInternal(entry config.Entry) (rpc.Servant, error) {
	switch entry.InternalKind {
	case "MCache":
		specs := make([]mc.ServerSpec, len(entry.MCacheAddrs))
		for i, addr := range entry.MCacheAddrs {
			specs[i] = mc.ServerSpec{Addr: addr, Weight: 1}
		}
		group, err := mc.NewGroup(specs, b.log)
		if err != nil {
			return nil, fmt.Errorf("xiproxy: build MCache %q: %w", entry.Identity, err)
		}
		return mc.NewServant(group), nil

	case "Redis":
		specs := make([]rds.ServerSpec, len(entry.RedisAddrs))
		for i, addr := range entry.RedisAddrs {
			specs[i] = rds.ServerSpec{Addr: addr, Password: entry.RedisPass, Weight: 1}
		}
		group, err := rds.NewGroup(specs, b.log)
		if err != nil {
			return nil, fmt.Errorf("xiproxy: build Redis %q: %w", entry.Identity, err)
		}
		return rds.NewServant(group), nil

	default:
		return nil, fmt.Errorf("xiproxy: unknown internal servant kind %q", entry.InternalKind)
	}
}

func (b *servantBuilder) BuildExternal(entry config.Entry, orderedEndpoints []config.Endpoint) (rpc.Servant, error) {
	if len(orderedEndpoints) == 0 {
		return nil, fmt.Errorf("xiproxy: external service %q has no endpoints", entry.Identity)
	}
	upstream := xiclient.New(orderedEndpoints)
	servant := xiservant.New(xiservant.Config{
		Service:     entry.Identity,
		Upstream:    upstream,
		Cache:       b.cache,
		Log:         b.log,
		RefreshTime: 60 * time.Second,
	})
	return bigservant.WrapStats(servant, xiservantStatsSource{servant}), nil
}

// xiservantStatsSource adapts *xiservant.Servant's exported Stats type to
// bigservant.StatsSource, which only needs the bare counters.
type xiservantStatsSource struct{ s *xiservant.Servant }

func (x xiservantStatsSource) StatsSnapshot() (totalCalls, inFlight, cacheHits int64) {
	snap := x.s.Snapshot()
	return snap.TotalCalls, snap.InFlight, snap.CacheHits
}

func startMetricsServer(addr string, m *metrics.Metrics, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("xiproxy: metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
