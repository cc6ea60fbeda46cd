package dbcluster

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halftwo/xigo/internal/dbsetting"
)

func testSetting() *dbsetting.DBSetting {
	return &dbsetting.DBSetting{
		Revision: "r1",
		Servers: map[int]*dbsetting.ServerSetting{
			1: {SID: 1, Host: "primary", Port: 3306, Slaves: []int{2}},
			2: {SID: 2, PrimarySID: 1, Host: "replica", Port: 3306},
		},
	}
}

func mockConnector(t *testing.T) (Connector, map[string]sqlmock.Sqlmock) {
	t.Helper()
	mocks := make(map[string]sqlmock.Sqlmock)
	return func(ss *dbsetting.ServerSetting) (*sql.DB, error) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		mocks[ss.Host] = mock
		return db, nil
	}, mocks
}

func TestAssignJobBuildsTeamLazilyAndRuns(t *testing.T) {
	connector, mocks := mockConnector(t)
	c := New(testSetting(), 4, 2, connector, nil)

	ran := false
	err := c.AssignJob(context.Background(), 1, false, true, func(conn *sql.Conn) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Contains(t, mocks, "primary")
	assert.Contains(t, mocks, "replica")
}

func TestAssignJobUnknownSidFails(t *testing.T) {
	connector, _ := mockConnector(t)
	c := New(testSetting(), 4, 2, connector, nil)

	err := c.AssignJob(context.Background(), 99, false, false, func(conn *sql.Conn) error { return nil })
	assert.Error(t, err)
}

func TestShutdownPreventsNewTeams(t *testing.T) {
	connector, _ := mockConnector(t)
	c := New(testSetting(), 4, 2, connector, nil)
	c.Shutdown()

	err := c.AssignJob(context.Background(), 1, false, true, func(conn *sql.Conn) error { return nil })
	assert.Error(t, err)
}
