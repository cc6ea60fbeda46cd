// Package dbcluster implements DbMan's cluster and reload (spec
// §4.11): a sid -> DBTeam registry built lazily from a DBSetting
// snapshot, job dispatch by sid, and a periodic reload cycle that
// swaps in a fresh snapshot and drains the superseded cluster.
//
// Grounded on _examples/original_source/DbMan/DBCluster.{h,cpp}'s
// DBCluster/DBTeam split, generalized from its own mutex-guarded
// std::map<int, DBTeamPtr> to a Go map behind a single mutex, with the
// connection-factory construction delegated to internal/dbpool.
package dbcluster

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"

	"github.com/halftwo/xigo/internal/dbjob"
	"github.com/halftwo/xigo/internal/dbpool"
	"github.com/halftwo/xigo/internal/dbsetting"
)

// DefaultReloadInterval is the spec's ~29s reload cadence.
const DefaultReloadInterval = 29 * time.Second

// Connector opens a *sql.DB for a given ServerSetting; split out so
// tests can substitute sqlmock-backed factories.
type Connector func(ss *dbsetting.ServerSetting) (*sql.DB, error)

// DefaultConnector opens a real go-sql-driver/mysql connection.
func DefaultConnector(ss *dbsetting.ServerSetting) (*sql.DB, error) {
	return sql.Open("mysql", ss.DSN(""))
}

// Cluster is DbMan's sid -> DBTeam map, lazily constructed from a
// DBSetting snapshot (spec: "construct on first use").
type Cluster struct {
	setting   *dbsetting.DBSetting
	maxAll    int
	maxRead   int
	connector Connector
	log       *zap.Logger

	mu       sync.Mutex
	teams    map[int]*dbpool.Team
	shutdown bool
}

// New builds a Cluster over the given snapshot. sid resolution looks
// up setting.Servers for the team's primary; any server whose
// PrimarySID points at sid becomes a replica of that team.
func New(setting *dbsetting.DBSetting, maxAll, maxRead int, connector Connector, log *zap.Logger) *Cluster {
	if connector == nil {
		connector = DefaultConnector
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cluster{
		setting:   setting,
		maxAll:    maxAll,
		maxRead:   maxRead,
		connector: connector,
		log:       log,
		teams:     make(map[int]*dbpool.Team),
	}
}

func (c *Cluster) Setting() *dbsetting.DBSetting { return c.setting }

// teamFor resolves sid to its DBTeam, constructing it (and its
// replica pools) on first use.
func (c *Cluster) teamFor(sid int) (*dbpool.Team, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.teams[sid]; ok {
		return t, nil
	}
	if c.shutdown {
		return nil, fmt.Errorf("dbcluster: cluster is shutting down")
	}

	ss, ok := c.setting.Server(sid)
	if !ok || !ss.IsPrimary() {
		return nil, fmt.Errorf("dbcluster: sid %d is not a known primary", sid)
	}

	primaryDB, err := c.connector(ss)
	if err != nil {
		return nil, fmt.Errorf("dbcluster: sid %d: connect primary: %w", sid, err)
	}
	primary := dbpool.New(fmt.Sprintf("%s:%d", ss.Host, ss.Port), primaryDB, c.maxAll, c.maxRead, dbpool.WithLogger(c.log))

	var replicas []*dbpool.Pool
	for _, rsid := range ss.Slaves {
		rss, ok := c.setting.Server(rsid)
		if !ok {
			continue
		}
		rdb, err := c.connector(rss)
		if err != nil {
			c.log.Warn("dbcluster: replica connect failed", zap.Int("sid", rsid), zap.Error(err))
			continue
		}
		replicas = append(replicas, dbpool.New(fmt.Sprintf("%s:%d", rss.Host, rss.Port), rdb, c.maxAll, c.maxRead, dbpool.WithLogger(c.log)))
	}

	t := dbpool.NewTeam(primary, replicas...)
	c.teams[sid] = t
	return t, nil
}

// AssignJob resolves the job's sid to a team and runs it against an
// acquired connection, queueing when none is immediately available and
// failing with dbpool.ErrBusy on queue overflow (spec §4.11's
// assignJob, combined with §4.9's acquire/queue policy).
func (c *Cluster) AssignJob(ctx context.Context, sid int, wantReplica, isWrite bool, run func(*sql.Conn) error) error {
	t, err := c.teamFor(sid)
	if err != nil {
		return err
	}

	cn, pool, ok := t.Acquire(ctx, wantReplica, isWrite)
	if ok {
		err := run(cn)
		pool.Release(cn, err == nil)
		return err
	}

	if t.AllErrored() {
		return dbpool.ErrNoConnection
	}

	done := make(chan error, 1)
	qerr := t.Enqueue(isWrite, func() {
		cn, pool, ok := t.Acquire(ctx, wantReplica, isWrite)
		if !ok {
			done <- dbpool.ErrNoConnection
			return
		}
		err := run(cn)
		pool.Release(cn, err == nil)
		done <- err
	})
	if qerr != nil {
		return qerr
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSQueryJob is a convenience wrapper dispatching a single SQueryJob.
func (c *Cluster) RunSQueryJob(ctx context.Context, sid int, wantReplica bool, job *dbjob.SQueryJob) (*dbjob.Result, error) {
	var result *dbjob.Result
	err := c.AssignJob(ctx, sid, wantReplica, job.IsWrite, func(cn *sql.Conn) error {
		r, err := job.Run(ctx, cn)
		result = r
		return err
	})
	return result, err
}

// RunMQueryJob is a convenience wrapper dispatching a multi-statement
// MQueryJob, always against the primary (transactions never use a
// replica).
func (c *Cluster) RunMQueryJob(ctx context.Context, sid int, job *dbjob.MQueryJob) (*dbjob.MResult, int, error) {
	var result *dbjob.MResult
	errIdx := -1
	err := c.AssignJob(ctx, sid, false, job.MayWrite(), func(cn *sql.Conn) error {
		r, idx, err := job.Run(ctx, cn)
		result, errIdx = r, idx
		return err
	})
	return result, errIdx, err
}

// Shutdown drains and closes every team's pools.
func (c *Cluster) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	teams := make([]*dbpool.Team, 0, len(c.teams))
	for _, t := range c.teams {
		teams = append(teams, t)
	}
	c.mu.Unlock()

	for _, t := range teams {
		t.Shutdown()
	}
}
