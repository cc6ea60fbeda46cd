package dbsetting

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSource(t *testing.T, strict bool) (*Source, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSource(db, strict), mock, db
}

func TestLoadBuildsServersAndKinds(t *testing.T) {
	src, mock, _ := newMockSource(t, false)

	mock.ExpectQuery(`SELECT value FROM variable_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("rev-1"))
	mock.ExpectQuery(`SELECT sid, primary_sid, host, port, user, password, active FROM server_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"sid", "primary_sid", "host", "port", "user", "password", "active"}).
			AddRow(1, 0, "db1", 3306, "u", "p", true).
			AddRow(2, 1, "db2", 3306, "u", "p", true))
	mock.ExpectQuery(`SELECT name, enabled, version, table_num, table_prefix, id_field FROM kind_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "enabled", "version", "table_num", "table_prefix", "id_field"}).
			AddRow("user", true, 1, 2, "u", "id"))
	mock.ExpectQuery(`SELECT kind_name, shard_no, sid, db_name FROM kind_table`).
		WillReturnRows(sqlmock.NewRows([]string{"kind_name", "shard_no", "sid", "db_name"}).
			AddRow("user", 0, 1, "shard0").
			AddRow("user", 1, 1, "shard1"))

	setting, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rev-1", setting.Revision)

	primary, ok := setting.Server(1)
	require.True(t, ok)
	assert.True(t, primary.IsPrimary())
	assert.Equal(t, []int{2}, primary.Slaves)

	k, ok := setting.Kind("user")
	require.True(t, ok)
	assert.Len(t, k.Tables, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadDiscardsIncompleteKindNonStrict(t *testing.T) {
	src, mock, _ := newMockSource(t, false)

	mock.ExpectQuery(`SELECT value FROM variable_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("rev-1"))
	mock.ExpectQuery(`SELECT sid, primary_sid, host, port, user, password, active FROM server_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"sid", "primary_sid", "host", "port", "user", "password", "active"}))
	mock.ExpectQuery(`SELECT name, enabled, version, table_num, table_prefix, id_field FROM kind_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "enabled", "version", "table_num", "table_prefix", "id_field"}).
			AddRow("broken", true, 1, 4, "b", "id"))
	mock.ExpectQuery(`SELECT kind_name, shard_no, sid, db_name FROM kind_table`).
		WillReturnRows(sqlmock.NewRows([]string{"kind_name", "shard_no", "sid", "db_name"}).
			AddRow("broken", 0, 1, "shard0"))

	setting, err := src.Load(context.Background())
	require.NoError(t, err)
	_, ok := setting.Kind("broken")
	assert.False(t, ok, "incomplete kind is silently discarded in non-strict mode")
}

func TestLoadFailsIncompleteKindStrict(t *testing.T) {
	src, mock, _ := newMockSource(t, true)

	mock.ExpectQuery(`SELECT value FROM variable_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("rev-1"))
	mock.ExpectQuery(`SELECT sid, primary_sid, host, port, user, password, active FROM server_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"sid", "primary_sid", "host", "port", "user", "password", "active"}))
	mock.ExpectQuery(`SELECT name, enabled, version, table_num, table_prefix, id_field FROM kind_setting`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "enabled", "version", "table_num", "table_prefix", "id_field"}).
			AddRow("broken", true, 1, 4, "b", "id"))
	mock.ExpectQuery(`SELECT kind_name, shard_no, sid, db_name FROM kind_table`).
		WillReturnRows(sqlmock.NewRows([]string{"kind_name", "shard_no", "sid", "db_name"}).
			AddRow("broken", 0, 1, "shard0"))

	_, err := src.Load(context.Background())
	assert.Error(t, err)
}
