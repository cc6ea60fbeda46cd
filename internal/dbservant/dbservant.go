// Package dbservant adapts DbMan's cluster, SQL rewriter, and caller-kind
// stickiness map to the DbMan RPC surface named in spec §6: `sQuery`,
// `mQuery`, the read-only info ops (`tableNumber`/`xidName`/`kindInfo`/
// `kindVersions`) and control ops (`reloadDBSetting`/`getStat`/
// `setActive`/`allKinds`/`allServers`).
//
// Grounded on `_examples/original_source/DbMan/DBProxy.cpp`'s dispatch of
// these same named ops onto DBCluster/DBSetting/QueryJob, adapted onto
// this module's rpc.Servant shape.
package dbservant

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/halftwo/xigo/internal/dbcluster"
	"github.com/halftwo/xigo/internal/dbjob"
	"github.com/halftwo/xigo/internal/dbsetting"
	"github.com/halftwo/xigo/internal/rpc"
	"github.com/halftwo/xigo/internal/sqlrewrite"
	"github.com/halftwo/xigo/internal/stickymap"
)

// Servant implements the DbMan RPC surface over a live Reloader.
type Servant struct {
	reloader *dbcluster.Reloader
	sticky   *stickymap.Map
	log      *zap.Logger

	mu       sync.Mutex
	inactive map[int]bool // sids forced inactive by setActive (spec §6 control ops)
}

func New(reloader *dbcluster.Reloader, sticky *stickymap.Map, log *zap.Logger) *Servant {
	if log == nil {
		log = zap.NewNop()
	}
	if sticky == nil {
		sticky = stickymap.New(stickymap.DefaultMaxEntries)
	}
	return &Servant{reloader: reloader, sticky: sticky, log: log, inactive: make(map[int]bool)}
}

func (s *Servant) cluster() *dbcluster.Cluster { return s.reloader.Current() }

func (s *Servant) reply(w rpc.Waiter, oneway bool, args map[string]any) {
	if !oneway {
		w.Process(rpc.NewAnswer(args))
	}
}

func (s *Servant) fail(w rpc.Waiter, oneway bool, status rpc.Status, msg string) {
	if !oneway {
		w.Process(rpc.NewError(status, msg))
	}
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func int64Arg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func strSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Process implements rpc.Servant for the DbMan service.
func (s *Servant) Process(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	switch q.Method {
	case "sQuery":
		s.sQuery(ctx, q, w)
	case "mQuery":
		s.mQuery(ctx, q, w)
	case "tableNumber":
		s.tableNumber(q, w)
	case "xidName":
		s.xidName(q, w)
	case "kindInfo":
		s.kindInfo(q, w)
	case "kindVersions":
		s.kindVersions(q, w)
	case "reloadDBSetting":
		s.reloadDBSetting(ctx, q, w)
	case "getStat":
		s.getStat(q, w)
	case "setActive":
		s.setActive(q, w)
	case "allKinds":
		s.reply(w, q.Oneway(), map[string]any{"kinds": s.cluster().Setting().AllKinds()})
	case "allServers":
		s.reply(w, q.Oneway(), map[string]any{"servers": s.cluster().Setting().AllServers()})
	default:
		s.fail(w, q.Oneway(), rpc.StatusArgument, fmt.Sprintf("dbman: unknown method %q", q.Method))
	}
}

// resolve locates the physical shard a (kind, hintId) addresses: the
// KindSetting, its TableRef for this hintId, and the rewritten SQL.
func (s *Servant) resolve(sqlText, kindName string, hintId int64) (*dbsetting.KindSetting, dbsetting.TableRef, sqlrewrite.Classified, string, error) {
	c, err := sqlrewrite.Classify(sqlText)
	if err != nil {
		return nil, dbsetting.TableRef{}, sqlrewrite.Classified{}, "", err
	}
	if kindName == "" {
		kindName = c.Name(sqlText)
	}
	kind, ok := s.cluster().Setting().Kind(kindName)
	if !ok {
		return nil, dbsetting.TableRef{}, sqlrewrite.Classified{}, "", fmt.Errorf("dbman: no such kind %q", kindName)
	}
	shard := sqlrewrite.FlooredMod(hintId, kind.TableNum)
	if shard < 0 || shard >= len(kind.Tables) {
		return nil, dbsetting.TableRef{}, sqlrewrite.Classified{}, "", fmt.Errorf("dbman: kind %q has no shard %d", kindName, shard)
	}
	ref := kind.Tables[shard]
	rewritten := sqlrewrite.Rewrite(sqlText, c, kindName, kind.Prefix(), kind.TableNum, hintId)
	return kind, ref, c, rewritten, nil
}

func resultArgs(r *dbjob.Result) map[string]any {
	args := map[string]any{
		"converted":         r.Converted,
		"affectedRowNumber": r.AffectedRowNumber,
	}
	if r.HasInsertID {
		args["insertId"] = r.InsertID
	}
	if r.Info != "" {
		args["info"] = r.Info
	}
	if r.Fields != nil {
		args["fields"] = r.Fields
	}
	if r.Rows != nil {
		args["rows"] = r.Rows
	}
	return args
}

func (s *Servant) sQuery(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	a := q.Args
	sqlText := strArg(a, "sql")
	hintId := int64Arg(a, "hintId")
	kindName := strArg(a, "kind")

	kind, ref, classified, rewritten, err := s.resolve(sqlText, kindName, hintId)
	if err != nil {
		s.fail(w, q.Oneway(), rpc.StatusNotFound, err.Error())
		return
	}
	if s.inactiveSid(ref.SID) {
		s.fail(w, q.Oneway(), rpc.StatusUpstream, fmt.Sprintf("dbman: sid %d is set inactive", ref.SID))
		return
	}

	mayWrite := classified.MayWrite
	caller := q.StringCtx(rpc.CtxCaller)
	master := q.BoolCtx(rpc.CtxMaster) || boolArg(a, "master")
	key := stickymap.MakeKey(q.ConnID, caller, kind.Name)

	now := time.Now()
	wantReplica := !mayWrite && !master && !s.sticky.Find(now, key)

	job := &dbjob.SQueryJob{
		SQL:     rewritten,
		Opts:    dbjob.Options{Convert: boolArg(a, "convert"), PreserveNull: boolArg(a, "null")},
		IsWrite: mayWrite,
	}
	result, err := s.cluster().RunSQueryJob(ctx, ref.SID, wantReplica, job)
	if err != nil {
		s.fail(w, q.Oneway(), rpc.StatusUpstream, err.Error())
		return
	}
	if mayWrite {
		s.sticky.Replace(now, key)
	}
	s.reply(w, q.Oneway(), resultArgs(result))
}

func (s *Servant) mQuery(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	a := q.Args
	sqls := strSliceArg(a, "sqls")
	kinds := strSliceArg(a, "kinds")
	hintId := int64Arg(a, "hintId")

	if len(sqls) == 0 {
		s.fail(w, q.Oneway(), rpc.StatusArgument, "dbman: mQuery requires at least one statement")
		return
	}

	rewritten := make([]string, len(sqls))
	var kindName string
	var sid int
	var dbName string
	var tableNum int
	anyWrite := false
	for i, stmt := range sqls {
		kn := ""
		if i < len(kinds) {
			kn = kinds[i]
		}
		kind, ref, classified, rw, err := s.resolve(stmt, kn, hintId)
		if err != nil {
			s.fail(w, q.Oneway(), rpc.StatusNotFound, err.Error())
			return
		}
		if i == 0 {
			kindName, sid, dbName, tableNum = kind.Name, ref.SID, ref.DBName, kind.TableNum
		} else if ref.SID != sid || ref.DBName != dbName || kind.TableNum != tableNum {
			s.fail(w, q.Oneway(), rpc.StatusArgument, "dbman: mQuery statements address different shards")
			return
		}
		if classified.MayWrite {
			anyWrite = true
		}
		rewritten[i] = rw
	}
	if s.inactiveSid(sid) {
		s.fail(w, q.Oneway(), rpc.StatusUpstream, fmt.Sprintf("dbman: sid %d is set inactive", sid))
		return
	}

	caller := q.StringCtx(rpc.CtxCaller)
	key := stickymap.MakeKey(q.ConnID, caller, kindName)
	now := time.Now()

	job := &dbjob.MQueryJob{SQLs: rewritten, Opts: dbjob.Options{Convert: boolArg(a, "convert"), PreserveNull: boolArg(a, "null")}}
	result, errIdx, err := s.cluster().RunMQueryJob(ctx, sid, job)
	if err != nil {
		s.fail(w, q.Oneway(), rpc.StatusUpstream, fmt.Sprintf("statement %d: %s", errIdx, err))
		return
	}
	if anyWrite {
		s.sticky.Replace(now, key)
	}

	out := make([]map[string]any, len(result.Results))
	for i, r := range result.Results {
		out[i] = resultArgs(r)
	}
	s.reply(w, q.Oneway(), map[string]any{"results": out})
}

func (s *Servant) tableNumber(q *rpc.Quest, w rpc.Waiter) {
	kind, ok := s.cluster().Setting().Kind(strArg(q.Args, "kind"))
	if !ok {
		s.fail(w, q.Oneway(), rpc.StatusNotFound, "dbman: no such kind")
		return
	}
	s.reply(w, q.Oneway(), map[string]any{"tableNumber": kind.TableNum})
}

func (s *Servant) xidName(q *rpc.Quest, w rpc.Waiter) {
	kind, ok := s.cluster().Setting().Kind(strArg(q.Args, "kind"))
	if !ok {
		s.fail(w, q.Oneway(), rpc.StatusNotFound, "dbman: no such kind")
		return
	}
	s.reply(w, q.Oneway(), map[string]any{"xidName": kind.IDField})
}

func (s *Servant) kindInfo(q *rpc.Quest, w rpc.Waiter) {
	kind, ok := s.cluster().Setting().Kind(strArg(q.Args, "kind"))
	if !ok {
		s.fail(w, q.Oneway(), rpc.StatusNotFound, "dbman: no such kind")
		return
	}
	s.reply(w, q.Oneway(), map[string]any{
		"name":        kind.Name,
		"enabled":     kind.Enabled,
		"version":     kind.Version,
		"tableNum":    kind.TableNum,
		"tablePrefix": kind.Prefix(),
		"idField":     kind.IDField,
	})
}

func (s *Servant) kindVersions(q *rpc.Quest, w rpc.Waiter) {
	setting := s.cluster().Setting()
	out := make(map[string]int, len(setting.Kinds))
	for name, k := range setting.Kinds {
		out[name] = k.Version
	}
	s.reply(w, q.Oneway(), map[string]any{"versions": out})
}

func (s *Servant) reloadDBSetting(ctx context.Context, q *rpc.Quest, w rpc.Waiter) {
	if err := s.reloader.Reload(ctx); err != nil {
		s.fail(w, q.Oneway(), rpc.StatusFatal, err.Error())
		return
	}
	s.reply(w, q.Oneway(), map[string]any{"revision": s.cluster().Setting().Revision})
}

func (s *Servant) getStat(q *rpc.Quest, w rpc.Waiter) {
	setting := s.cluster().Setting()
	s.reply(w, q.Oneway(), map[string]any{
		"revision":    setting.Revision,
		"serverCount": len(setting.Servers),
		"kindCount":   len(setting.Kinds),
	})
}

func (s *Servant) setActive(q *rpc.Quest, w rpc.Waiter) {
	sid := int(int64Arg(q.Args, "sid"))
	active := boolArg(q.Args, "active")
	if _, ok := s.cluster().Setting().Server(sid); !ok {
		s.fail(w, q.Oneway(), rpc.StatusNotFound, "dbman: no such sid")
		return
	}
	s.mu.Lock()
	if active {
		delete(s.inactive, sid)
	} else {
		s.inactive[sid] = true
	}
	s.mu.Unlock()
	s.reply(w, q.Oneway(), map[string]any{"ok": true})
}

func (s *Servant) inactiveSid(sid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactive[sid]
}
