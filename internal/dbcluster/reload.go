package dbcluster

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/dbsetting"
)

// Reloader runs the ~29s DBSetting reload cycle (spec §4.11): compare
// the settings database's current revision against the live snapshot,
// and if changed, load a fresh one, swap it in, and asynchronously
// shut down the superseded Cluster.
type Reloader struct {
	source    *dbsetting.Source
	maxAll    int
	maxRead   int
	connector Connector
	log       *zap.Logger
	interval  time.Duration

	current atomic.Pointer[Cluster]
	stop    chan struct{}
}

// NewReloader builds a Reloader seeded with an already-loaded initial
// Cluster.
func NewReloader(source *dbsetting.Source, initial *Cluster, maxAll, maxRead int, connector Connector, log *zap.Logger) *Reloader {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reloader{
		source:    source,
		maxAll:    maxAll,
		maxRead:   maxRead,
		connector: connector,
		log:       log,
		interval:  DefaultReloadInterval,
		stop:      make(chan struct{}),
	}
	r.current.Store(initial)
	return r
}

// Current returns the live Cluster.
func (r *Reloader) Current() *Cluster { return r.current.Load() }

// Start runs the reload loop until Stop is called.
func (r *Reloader) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.checkAndReload(ctx, false); err != nil {
				r.log.Warn("dbcluster: reload check failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the reload loop.
func (r *Reloader) Stop() { close(r.stop) }

// Reload is the manual admin op (spec §4.11): it loads and swaps in a
// fresh snapshot with strict loading, without comparing revisions first,
// so it reloads even when the revision is unchanged.
func (r *Reloader) Reload(ctx context.Context) error {
	return r.checkAndReload(ctx, true)
}

func (r *Reloader) checkAndReload(ctx context.Context, force bool) error {
	rev, err := r.source.CurrentRevision(ctx)
	if err != nil {
		return err
	}
	cur := r.current.Load()
	if !force && cur != nil && cur.Setting().Revision == rev {
		return nil
	}

	src := r.source
	if force {
		src = r.source.WithStrict(true)
	}
	setting, err := src.Load(ctx)
	if err != nil {
		return err
	}
	fresh := New(setting, r.maxAll, r.maxRead, r.connector, r.log)
	old := r.current.Swap(fresh)
	r.log.Info("dbcluster: reloaded", zap.String("revision", setting.Revision))

	if old != nil {
		go old.Shutdown()
	}
	return nil
}
