package dbjob

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQueryJobSelect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow("1", "alice").
		AddRow("2", nil)
	mock.ExpectQuery("select id, name from u_1").WillReturnRows(rows)

	job := &SQueryJob{SQL: "select id, name from u_1", Opts: Options{Convert: true}}
	res, err := job.Run(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), res.Rows[0][0].Value)
	assert.Equal(t, "alice", res.Rows[0][1].Value)
	assert.Equal(t, "", res.Rows[1][1].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQueryJobExecReportsAffectedAndInsertID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("insert into u_1").WillReturnResult(sqlmock.NewResult(42, 1))

	job := &SQueryJob{SQL: "insert into u_1 (name) values ('x')", IsWrite: true}
	res, err := job.Run(context.Background(), conn)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.AffectedRowNumber)
	assert.True(t, res.HasInsertID)
	assert.EqualValues(t, 42, res.InsertID)
}

func TestMQueryJobCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into u_1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update u_1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job := &MQueryJob{SQLs: []string{
		"insert into u_1 (name) values ('x')",
		"update u_1 set name='y' where id=1",
	}}
	res, errIdx, err := job.Run(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, -1, errIdx)
	require.Len(t, res.Results, 2)
	assert.True(t, job.MayWrite())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMQueryJobRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec("insert into u_1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update u_1").WillReturnError(assertErr{})
	mock.ExpectRollback()

	job := &MQueryJob{SQLs: []string{
		"insert into u_1 (name) values ('x')",
		"update u_1 set name='y' where id=1",
	}}
	_, errIdx, err := job.Run(context.Background(), conn)
	require.Error(t, err)
	assert.Equal(t, 1, errIdx)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
