// Package dbsetting implements DBSetting/ServerSetting/KindSetting from
// spec's DbMan section: an immutable snapshot of the logical schema
// (servers, primary/replica links, sharded kinds) loaded from a settings
// database and hot-reloaded by comparing a revision string.
//
// Grounded on the teacher's config-snapshot-swap pattern (graphjin's core
// holds an immutable compiled schema and atomically swaps it on reload)
// and on go-sql-driver/mysql for the settings-database reads themselves.
package dbsetting

import (
	"context"
	"database/sql"
	"fmt"
)

// ServerSetting describes one MySQL instance: its shard id, whether it is
// a primary (PrimarySID == 0) or a replica of another server, connection
// info, and (for primaries) the sids of its replicas.
type ServerSetting struct {
	SID        int
	PrimarySID int // 0 means this server is a primary
	Host       string
	Port       int
	User       string
	Password   string
	Active     bool
	Slaves     []int
}

func (s *ServerSetting) IsPrimary() bool { return s.PrimarySID == 0 }

// DSN builds a go-sql-driver/mysql data source name for this server.
func (s *ServerSetting) DSN(schema string) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", s.User, s.Password, s.Host, s.Port, schema)
}

// TableRef names one physical shard of a kind: which server it lives on
// and its schema name.
type TableRef struct {
	SID    int
	DBName string
}

// KindSetting is one logical entity name's sharding configuration.
// Tables is stored in order 0..TableNum-1; a KindSetting whose Tables
// list is incomplete after load is discarded (non-strict) or fails load
// (strict) — see NewSource/WithStrict.
type KindSetting struct {
	Name        string
	Enabled     bool
	Version     int
	TableNum    int
	TablePrefix string
	IDField     string
	Tables      []TableRef
}

// complete reports whether every shard 0..TableNum-1 has a TableRef.
func (k *KindSetting) complete() bool {
	return k.TableNum > 0 && len(k.Tables) == k.TableNum
}

// Prefix returns the effective table-name prefix for rewriting: the
// configured TablePrefix, or the kind name itself when TablePrefix is
// empty (spec §4.7).
func (k *KindSetting) Prefix() string {
	if k.TablePrefix != "" {
		return k.TablePrefix
	}
	return k.Name
}

// DBSetting is an immutable schema snapshot. Build a new one (via Source)
// on every reload and swap the pointer; never mutate a live snapshot.
type DBSetting struct {
	Revision string
	Servers  map[int]*ServerSetting
	Kinds    map[string]*KindSetting
}

func (d *DBSetting) Server(sid int) (*ServerSetting, bool) {
	s, ok := d.Servers[sid]
	return s, ok
}

func (d *DBSetting) Kind(name string) (*KindSetting, bool) {
	k, ok := d.Kinds[name]
	return k, ok
}

// AllKinds lists every loaded kind name (DbMan's `allKinds` op).
func (d *DBSetting) AllKinds() []string {
	out := make([]string, 0, len(d.Kinds))
	for name := range d.Kinds {
		out = append(out, name)
	}
	return out
}

// AllServers lists every loaded server sid (DbMan's `allServers` op).
func (d *DBSetting) AllServers() []int {
	out := make([]int, 0, len(d.Servers))
	for sid := range d.Servers {
		out = append(out, sid)
	}
	return out
}

// Source reads DBSetting snapshots from the settings database.
type Source struct {
	db     *sql.DB
	strict bool
}

// NewSource wraps an already-open settings-database handle. strict
// controls whether an incomplete KindSetting fails the whole load (true)
// or is silently discarded (false), per spec's KindSetting invariant.
func NewSource(db *sql.DB, strict bool) *Source {
	return &Source{db: db, strict: strict}
}

// WithStrict returns a Source over the same database handle with a
// different strictness setting — used by a manual admin reload to
// force strict loading regardless of how the periodic reloader is
// configured (spec §4.11).
func (s *Source) WithStrict(strict bool) *Source {
	return &Source{db: s.db, strict: strict}
}

// CurrentRevision reads the `variable_setting.revision` row used to
// detect whether a reload is needed (spec §4.11).
func (s *Source) CurrentRevision(ctx context.Context) (string, error) {
	var rev string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM variable_setting WHERE name = 'revision'`).Scan(&rev)
	if err != nil {
		return "", fmt.Errorf("dbsetting: read revision: %w", err)
	}
	return rev, nil
}

// Load reads a complete fresh snapshot.
func (s *Source) Load(ctx context.Context) (*DBSetting, error) {
	rev, err := s.CurrentRevision(ctx)
	if err != nil {
		return nil, err
	}

	servers, err := s.loadServers(ctx)
	if err != nil {
		return nil, err
	}
	kinds, err := s.loadKinds(ctx)
	if err != nil {
		return nil, err
	}
	return &DBSetting{Revision: rev, Servers: servers, Kinds: kinds}, nil
}

func (s *Source) loadServers(ctx context.Context) (map[int]*ServerSetting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sid, primary_sid, host, port, user, password, active FROM server_setting`)
	if err != nil {
		return nil, fmt.Errorf("dbsetting: query server_setting: %w", err)
	}
	defer rows.Close()

	out := make(map[int]*ServerSetting)
	for rows.Next() {
		ss := &ServerSetting{}
		if err := rows.Scan(&ss.SID, &ss.PrimarySID, &ss.Host, &ss.Port, &ss.User, &ss.Password, &ss.Active); err != nil {
			return nil, fmt.Errorf("dbsetting: scan server_setting: %w", err)
		}
		out[ss.SID] = ss
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for sid, ss := range out {
		if !ss.IsPrimary() {
			if primary, ok := out[ss.PrimarySID]; ok {
				primary.Slaves = append(primary.Slaves, sid)
			}
		}
	}
	return out, rows.Err()
}

func (s *Source) loadKinds(ctx context.Context) (map[string]*KindSetting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, enabled, version, table_num, table_prefix, id_field FROM kind_setting`)
	if err != nil {
		return nil, fmt.Errorf("dbsetting: query kind_setting: %w", err)
	}
	kinds := make(map[string]*KindSetting)
	for rows.Next() {
		k := &KindSetting{}
		if err := rows.Scan(&k.Name, &k.Enabled, &k.Version, &k.TableNum, &k.TablePrefix, &k.IDField); err != nil {
			rows.Close()
			return nil, fmt.Errorf("dbsetting: scan kind_setting: %w", err)
		}
		kinds[k.Name] = k
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	tblRows, err := s.db.QueryContext(ctx, `SELECT kind_name, shard_no, sid, db_name FROM kind_table ORDER BY kind_name, shard_no`)
	if err != nil {
		return nil, fmt.Errorf("dbsetting: query kind_table: %w", err)
	}
	defer tblRows.Close()
	for tblRows.Next() {
		var kindName string
		var shardNo int
		var ref TableRef
		if err := tblRows.Scan(&kindName, &shardNo, &ref.SID, &ref.DBName); err != nil {
			return nil, fmt.Errorf("dbsetting: scan kind_table: %w", err)
		}
		k, ok := kinds[kindName]
		if !ok {
			continue
		}
		k.Tables = append(k.Tables, ref)
	}
	if err := tblRows.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]*KindSetting, len(kinds))
	for name, k := range kinds {
		if !k.complete() {
			if s.strict {
				return nil, fmt.Errorf("dbsetting: kind %q has %d/%d shards", name, len(k.Tables), k.TableNum)
			}
			continue
		}
		out[name] = k
	}
	return out, nil
}
