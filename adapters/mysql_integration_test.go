//go:build integration

package adapters_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	tsuite "github.com/stretchr/testify/suite"
	tc "github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/pgmanage/dbconsole/adapters"
	"github.com/pgmanage/dbconsole/core"
)

// MySQLTestSuite runs the mysql adapter against a real server.
type MySQLTestSuite struct {
	tsuite.Suite
	ctr     *tcmysql.MySQLContainer
	ctx     context.Context
	connURL string
}

func TestMySQLTestSuite(t *testing.T) {
	tsuite.Run(t, new(MySQLTestSuite))
}

func (suite *MySQLTestSuite) SetupSuite() {
	suite.ctx = context.Background()

	ctr, err := tcmysql.Run(
		suite.ctx,
		"mysql:9.2.0",
		tcmysql.WithDatabase("dev"),
		tcmysql.WithPassword("password"),
		tcmysql.WithUsername("root"),
	)
	suite.Require().NoError(err)
	suite.ctr = ctr

	suite.connURL, err = ctr.ConnectionString(suite.ctx, "tls=skip-verify")
	suite.Require().NoError(err)
}

func (suite *MySQLTestSuite) TearDownSuite() {
	tc.CleanupContainer(suite.T(), suite.ctr)
}

func (suite *MySQLTestSuite) open() core.Database {
	db, err := adapters.Open(&core.ConnectionParams{ID: "mysql", Type: "mysql", URL: suite.connURL})
	suite.Require().NoError(err)
	suite.Require().NoError(db.Open(suite.ctx, true))
	suite.T().Cleanup(func() { _ = db.Close(false) })
	return db
}

func (suite *MySQLTestSuite) TestShouldReturnBlocks() {
	r := suite.Require()
	db := suite.open()

	query := "WITH RECURSIVE g(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM g WHERE n < 120) SELECT n FROM g"
	block, err := db.QueryBlock(suite.ctx, query, 50, true, true)
	r.NoError(err)
	r.Equal(50, block.Len())

	block, err = db.QueryBlock(suite.ctx, query, 100, true, true)
	r.NoError(err)
	r.Equal(70, block.Len())
}

func (suite *MySQLTestSuite) TestShouldCancelFromSideChannel() {
	r := suite.Require()
	db := suite.open()
	r.NotEmpty(db.GetPID())

	type outcome struct {
		table *core.DataTable
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		table, err := db.Query(suite.ctx, "SELECT SLEEP(10) AS s", true, true)
		done <- outcome{table: table, err: err}
	}()

	time.Sleep(500 * time.Millisecond)
	r.NoError(db.Cancel(false))

	select {
	case out := <-done:
		r.Less(time.Since(start), 5*time.Second)
		// an interrupted SLEEP returns 1 instead of failing
		if out.err == nil {
			r.Equal("1", fmt.Sprint(out.table.Rows[0][0]))
		}
	case <-time.After(5 * time.Second):
		r.Fail("statement was not killed")
	}

	// KILL QUERY leaves the connection alive
	v, err := db.ExecuteScalar(suite.ctx, "SELECT 1")
	r.NoError(err)
	r.EqualValues(1, v)
}

func (suite *MySQLTestSuite) TestShouldTerminateFromControlConnection() {
	r := suite.Require()
	target := suite.open()
	control := suite.open()

	done := make(chan error, 1)
	go func() {
		done <- target.Execute(suite.ctx, "DO SLEEP(10)")
	}()

	time.Sleep(500 * time.Millisecond)
	r.NoError(control.Terminate(suite.ctx, target.GetPID()))

	select {
	case err := <-done:
		r.Error(err)
	case <-time.After(5 * time.Second):
		r.Fail("session was not killed")
	}
}
