//go:build integration

package adapters_test

import (
	"context"
	"errors"
	"testing"
	"time"

	tsuite "github.com/stretchr/testify/suite"
	tc "github.com/testcontainers/testcontainers-go"
	tcpsql "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/pgmanage/dbconsole/adapters"
	"github.com/pgmanage/dbconsole/core"
)

// PostgresTestSuite runs the postgres adapter against a real server.
type PostgresTestSuite struct {
	tsuite.Suite
	ctr     *tcpsql.PostgresContainer
	ctx     context.Context
	connURL string
}

func TestPostgresTestSuite(t *testing.T) {
	tsuite.Run(t, new(PostgresTestSuite))
}

func (suite *PostgresTestSuite) SetupSuite() {
	suite.ctx = context.Background()

	ctr, err := tcpsql.Run(
		suite.ctx,
		"postgres:16-alpine",
		tcpsql.BasicWaitStrategies(),
		tcpsql.WithDatabase("dev"),
	)
	suite.Require().NoError(err)
	suite.ctr = ctr

	suite.connURL, err = ctr.ConnectionString(suite.ctx, "sslmode=disable")
	suite.Require().NoError(err)
}

func (suite *PostgresTestSuite) TearDownSuite() {
	tc.CleanupContainer(suite.T(), suite.ctr)
}

func (suite *PostgresTestSuite) open(autocommit bool) core.Database {
	db, err := adapters.Open(&core.ConnectionParams{ID: "pg", Type: "postgres", URL: suite.connURL})
	suite.Require().NoError(err)
	suite.Require().NoError(db.Open(suite.ctx, autocommit))
	suite.T().Cleanup(func() { _ = db.Close(false) })
	return db
}

func (suite *PostgresTestSuite) TestShouldReturnBlocks() {
	r := suite.Require()
	db := suite.open(true)

	block, err := db.QueryBlock(suite.ctx, "SELECT g FROM generate_series(1, 120) g", 50, true, true)
	r.NoError(err)
	r.Equal(50, block.Len())

	block, err = db.QueryBlock(suite.ctx, "SELECT g FROM generate_series(1, 120) g", 50, true, true)
	r.NoError(err)
	r.Equal(50, block.Len())

	block, err = db.QueryBlock(suite.ctx, "SELECT g FROM generate_series(1, 120) g", 50, true, true)
	r.NoError(err)
	r.Equal(20, block.Len())
	r.Equal("SELECT 120", db.GetStatus())
}

func (suite *PostgresTestSuite) TestShouldReportErrorOffset() {
	r := suite.Require()
	db := suite.open(true)

	query := "SELECT 1\nFROM nosuchtable"
	_, err := db.Query(suite.ctx, query, false, true)

	var dbErr *core.DatabaseError
	r.True(errors.As(err, &dbErr))
	r.Contains(dbErr.Message, "nosuchtable")
	r.Equal(&core.ErrorPosition{Row: 2, Col: 6}, core.OffsetToPosition(query, dbErr.Offset))
}

func (suite *PostgresTestSuite) TestShouldCollectNotices() {
	r := suite.Require()
	db := suite.open(true)

	r.NoError(db.Execute(suite.ctx, "DO $$ BEGIN RAISE NOTICE 'hello'; END $$"))
	r.Eventually(func() bool { return len(db.GetNotices()) == 1 }, time.Second, 10*time.Millisecond)
	r.Equal("NOTICE:  hello", db.GetNotices()[0])
}

func (suite *PostgresTestSuite) TestShouldTrackTransactionStatus() {
	r := suite.Require()
	db := suite.open(true)

	r.Equal(core.ConStatusIdle, db.GetConStatus())
	r.NoError(db.Execute(suite.ctx, "BEGIN"))
	r.Equal(core.ConStatusInTransaction, db.GetConStatus())
	_, err := db.Query(suite.ctx, "SELECT 1/0", false, true)
	r.Error(err)
	r.Equal(core.ConStatusInError, db.GetConStatus())
	r.NoError(db.Rollback(suite.ctx))
	r.Equal(core.ConStatusIdle, db.GetConStatus())
}

func (suite *PostgresTestSuite) TestShouldCancelFromSideChannel() {
	r := suite.Require()
	db := suite.open(true)
	r.NotEmpty(db.GetPID())

	done := make(chan error, 1)
	go func() {
		_, err := db.Query(suite.ctx, "SELECT pg_sleep(10)", false, true)
		done <- err
	}()

	time.Sleep(500 * time.Millisecond)
	r.NoError(db.Cancel(false))

	select {
	case err := <-done:
		r.ErrorContains(err, "canceling statement due to user request")
	case <-time.After(5 * time.Second):
		r.Fail("statement was not cancelled")
	}

	// the connection survives a cancelled statement
	v, err := db.ExecuteScalar(suite.ctx, "SELECT 1")
	r.NoError(err)
	r.EqualValues(1, v)
}

func (suite *PostgresTestSuite) TestShouldRunMetaCommands() {
	r := suite.Require()
	db := suite.open(true)

	r.NoError(db.Execute(suite.ctx, "CREATE TABLE IF NOT EXISTS meta_t (id int PRIMARY KEY)"))

	tables, err := db.Special(suite.ctx, `\dt meta*`)
	r.NoError(err)
	r.Equal(1, tables.Len())
	r.Equal("meta_t", tables.Rows[0][1])

	columns, err := db.Special(suite.ctx, `\d meta_t`)
	r.NoError(err)
	r.Equal("id", columns.Rows[0][0])

	pk, err := db.(core.PrimaryKeyer).PrimaryKey(suite.ctx, "public", "meta_t")
	r.NoError(err)
	r.Equal([]string{"id"}, pk)

	_, err = db.Special(suite.ctx, `\x`)
	r.ErrorIs(err, core.ErrSpecialNotSupported)
}
