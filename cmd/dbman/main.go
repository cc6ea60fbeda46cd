// Command dbman runs the DbMan MySQL-sharding RPC service: loads the
// DBSetting snapshot, dispatches sQuery/mQuery and its control ops, and
// periodically reloads the snapshot from the settings database.
//
// As with xiproxy, the real wire transport this binary would accept
// quests over is out of scope (spec §1); this entrypoint wires together
// the complete in-process core and exposes a minimal HTTP surface
// (metrics + health).
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/config"
	"github.com/halftwo/xigo/internal/dbcluster"
	"github.com/halftwo/xigo/internal/dbservant"
	"github.com/halftwo/xigo/internal/dbsetting"
	"github.com/halftwo/xigo/internal/metrics"
	"github.com/halftwo/xigo/internal/stickymap"
	"github.com/halftwo/xigo/internal/util"
)

func main() {
	configPath := flag.String("config", "", "process config file (viper-readable: yaml/json/toml)")
	dsnFlag := flag.String("settings-dsn", "", "settings-database DSN (overrides config)")
	flag.Parse()

	settings, err := config.LoadProcessSettings(*configPath, "DBMAN")
	if err != nil {
		fmt.Fprintln(os.Stderr, "dbman:", err)
		os.Exit(1)
	}
	if *dsnFlag != "" {
		settings.SettingsDSN = *dsnFlag
	}
	if settings.SettingsDSN == "" {
		fmt.Fprintln(os.Stderr, "dbman: -settings-dsn (or settings_dsn in config) is required")
		os.Exit(1)
	}

	log := util.NewLogger(settings.LogJSON)
	defer log.Sync()

	settingsDB, err := sql.Open("mysql", settings.SettingsDSN)
	if err != nil {
		log.Fatal("dbman: open settings database", zap.Error(err))
	}
	defer settingsDB.Close()

	source := dbsetting.NewSource(settingsDB, true)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initial, err := source.Load(ctx)
	if err != nil {
		log.Fatal("dbman: initial DBSetting load failed", zap.Error(err))
	}

	cluster := dbcluster.New(initial, settings.MaxAllConns, settings.MaxReadConns, dbcluster.DefaultConnector, log)
	reloader := dbcluster.NewReloader(source, cluster, settings.MaxAllConns, settings.MaxReadConns, dbcluster.DefaultConnector, log)
	go reloader.Start(ctx)
	defer reloader.Stop()

	sticky := stickymap.New(stickymap.DefaultMaxEntries)
	servant := dbservant.New(reloader, sticky, log)

	mset := metrics.New("dbman")
	srv := startMetricsServer(settings.MetricsAddr, mset, log)

	log.Info("dbman started",
		zap.String("listen", settings.ListenAddr),
		zap.String("metrics", settings.MetricsAddr),
		zap.String("revision", initial.Revision),
		zap.Int("kinds", len(initial.Kinds)),
		zap.Int("servers", len(initial.Servers)))

	_ = servant // the configured dispatch target; a real listener would hand inbound quests to servant.Process

	<-ctx.Done()
	log.Info("dbman shutting down")
	reloader.Current().Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
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
			log.Error("dbman: metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
