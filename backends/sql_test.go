package backends_test

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/backends/backendtest"
)

func TestSQLiteBackend(t *testing.T) {
	s := &backendtest.Suite{}
	s.NewBackend = func(now func() time.Time) backends.Backend {
		dsn := "file:" + filepath.Join(s.T().TempDir(), "store.db")
		b, err := backends.OpenSQL(context.Background(), backends.DialectSQLite, dsn, backends.WithSQLClock(now))
		require.NoError(s.T(), err)
		return b
	}
	suite.Run(t, s)
}

func TestSQLiteExpiredListBecomesFresh(t *testing.T) {
	ctx := context.Background()
	clock := backendtest.NewClock()
	dsn := "file:" + filepath.Join(t.TempDir(), "store.db")
	b, err := backends.OpenSQL(ctx, backends.DialectSQLite, dsn, backends.WithSQLClock(clock.Now))
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.SetWithExpiry(ctx, "k", []byte("short"), time.Second))
	clock.Advance(2 * time.Second)

	require.NoError(t, b.Append(ctx, "k", []byte("a")))
	items, err := b.Range(ctx, "k", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("a")}, items)
}

type SQLMockTestSuite struct {
	suite.Suite
	mock    sqlmock.Sqlmock
	backend *backends.SQL
}

func TestSQLMockSuite(t *testing.T) {
	suite.Run(t, new(SQLMockTestSuite))
}

func (suite *SQLMockTestSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	if err != nil {
		suite.T().Fatalf("Failed to create mock database: %v", err)
	}
	suite.mock = mock
	suite.backend = backends.NewSQL(db, backends.DialectPostgres)
}

func (suite *SQLMockTestSuite) TearDownTest() {
	if err := suite.mock.ExpectationsWereMet(); err != nil {
		suite.T().Fatalf("There were unfulfilled expectations: %v", err)
	}
}

func (suite *SQLMockTestSuite) TestGetUsesPostgresPlaceholders() {
	rows := sqlmock.NewRows([]string{"kind", "value", "expires_at"}).AddRow("scalar", []byte("foo"), nil)
	suite.mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, value, expires_at FROM storetrace_entries WHERE key = $1")).
		WithArgs("k").
		WillReturnRows(rows)

	value, miss, err := suite.backend.Get(context.Background(), "k")
	assert.NoError(suite.T(), err)
	assert.False(suite.T(), miss)
	assert.Equal(suite.T(), []byte("foo"), value)
}

func (suite *SQLMockTestSuite) TestGetMissingRow() {
	suite.mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, value, expires_at FROM storetrace_entries")).
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "value", "expires_at"}))

	value, miss, err := suite.backend.Get(context.Background(), "k")
	assert.NoError(suite.T(), err)
	assert.True(suite.T(), miss)
	assert.Nil(suite.T(), value)
}

func (suite *SQLMockTestSuite) TestGetDatabaseError() {
	dbErr := errors.New("connection refused")
	suite.mock.ExpectQuery(regexp.QuoteMeta("SELECT kind, value, expires_at FROM storetrace_entries")).
		WithArgs("k").
		WillReturnError(dbErr)

	_, _, err := suite.backend.Get(context.Background(), "k")
	assert.ErrorIs(suite.T(), err, dbErr)
	assert.ErrorContains(suite.T(), err, "select_entry")
}

func (suite *SQLMockTestSuite) TestIncrLocksRowAndRollsBackOnFailure() {
	dbErr := errors.New("disk full")
	suite.mock.ExpectBegin()
	suite.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO storetrace_entries (key, kind, value, expires_at) VALUES ($1, $2, $3, NULL) ON CONFLICT (key) DO NOTHING")).
		WithArgs("counter", "scalar", []byte("0")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	suite.mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("counter").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "value", "expires_at"}).AddRow("scalar", []byte("4"), nil))
	suite.mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO UPDATE")).
		WithArgs("counter", "scalar", []byte("5"), nil).
		WillReturnError(dbErr)
	suite.mock.ExpectRollback()

	_, err := suite.backend.Incr(context.Background(), "counter")
	assert.ErrorIs(suite.T(), err, dbErr)
}

func (suite *SQLMockTestSuite) TestIncrCommits() {
	suite.mock.ExpectBegin()
	suite.mock.ExpectExec(regexp.QuoteMeta("DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	suite.mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("counter").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "value", "expires_at"}).AddRow("scalar", []byte("41"), nil))
	suite.mock.ExpectExec(regexp.QuoteMeta("DO UPDATE")).
		WithArgs("counter", "scalar", []byte("42"), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	suite.mock.ExpectCommit()

	n, err := suite.backend.Incr(context.Background(), "counter")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(42), n)
}

func (suite *SQLMockTestSuite) TestBeginFailure() {
	dbErr := errors.New("too many connections")
	suite.mock.ExpectBegin().WillReturnError(dbErr)

	err := suite.backend.Set(context.Background(), "k", []byte("v"))
	assert.ErrorIs(suite.T(), err, dbErr)
	assert.ErrorContains(suite.T(), err, "failed to begin transaction")
}
