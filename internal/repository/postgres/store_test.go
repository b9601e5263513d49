package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/repository"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

func q(sql string) string { return regexp.QuoteMeta(sql) }

func TestStore_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectQuery(q(sqlGet)).WithArgs("cnt:i").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("7"))
	mock.ExpectQuery(q(sqlGet)).WithArgs("cnt:x").
		WillReturnError(pgx.ErrNoRows)

	v, err := s.Get(ctx, "cnt:i")
	require.NoError(t, err)
	require.Equal(t, "7", v)

	_, err = s.Get(ctx, "cnt:x")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ZRangeAndScore(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectQuery(q(sqlZRange)).WithArgs("que:i", int64(0), int64(-1)).
		WillReturnRows(pgxmock.NewRows([]string{"member", "score"}).
			AddRow("a", int64(1)).
			AddRow("b", int64(2)))
	mock.ExpectQuery(q(sqlZScore)).WithArgs("col:i", "m").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.ZRange(ctx, "que:i", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []repository.ScoredMember{{Member: "a", Score: 1}, {Member: "b", Score: 2}}, got)

	_, err = s.ZScore(ctx, "col:i", "m")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SMembers_Empty(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectQuery(q(sqlSMembers)).WithArgs("reg:i").
		WillReturnRows(pgxmock.NewRows([]string{"member"}))

	got, err := s.SMembers(context.Background(), "reg:i")
	require.NoError(t, err)
	require.Empty(t, got)
	require.NotNil(t, got)
}

func TestStore_Exec_LocksSortedKeysAndCommits(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec(q(sqlLock)).WithArgs("cnt:i").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlLock)).WithArgs("reg:i").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlPurge)).WithArgs([]string{"cnt:i", "reg:i"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlSAdd)).WithArgs("reg:i", "m").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlSet)).WithArgs("cnt:i", "0").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlClearTTL)).WithArgs("cnt:i").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlExpire)).WithArgs("reg:i", int64(60000)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.Exec(context.Background(), func(b repository.Batch) {
		b.SAdd("reg:i", "m")
		b.Set("cnt:i", "0")
		b.Expire("reg:i", time.Minute)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Exec_EmptyBatchIsNoop(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	require.NoError(t, s.Exec(context.Background(), func(repository.Batch) {}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Exec_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(q(sqlLock)).WithArgs("tok:t").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlPurge)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlDelStrings)).WithArgs([]string{"tok:t"}).WillReturnError(boom)
	mock.ExpectRollback()

	err := s.Exec(context.Background(), func(b repository.Batch) { b.Del("tok:t") })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Watch_CallbackErrorRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q(sqlLock)).WithArgs("col:i").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlPurge)).WithArgs([]string{"col:i"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(q(sqlZScore)).WithArgs("col:i", "m").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.Watch(ctx, func(tx repository.Tx) error {
		_, err := tx.ZScore(ctx, "col:i", "m")
		tx.ZAdd("col:i", 1, "m")
		return err
	}, "col:i")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Watch_LocksUnwatchedWriteKeys(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q(sqlLock)).WithArgs("que:i").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlLock)).WithArgs("reg:i").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlPurge)).WithArgs([]string{"que:i", "reg:i"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlLock)).WithArgs("tok:t").WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(q(sqlPurge)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlSRem)).WithArgs("reg:i", "m").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(q(sqlDelStrings)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(q(sqlDelSets)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlDelZSets)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlDelExpiry)).WithArgs([]string{"tok:t"}).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(q(sqlZRemByRank)).WithArgs("que:i", int64(3), int64(3)).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err := s.Watch(ctx, func(tx repository.Tx) error {
		tx.SRem("reg:i", "m")
		tx.Del("tok:t")
		tx.ZRemRangeByRank("que:i", 3, 3)
		return nil
	}, "reg:i", "que:i")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func expectLocks(mock pgxmock.PgxPoolIface, keys ...string) {
	for _, k := range keys {
		mock.ExpectExec(q(sqlLock)).WithArgs(k).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	}
	mock.ExpectExec(q(sqlPurge)).WithArgs(keys).WillReturnResult(pgxmock.NewResult("DELETE", 0))
}

func TestStore_Watch_RelocksWriteKeysSortingBeforeHeld(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)

	// first pass holds reg:i only; cnt:i sorts before it, so the tx restarts
	mock.ExpectBegin()
	expectLocks(mock, "reg:i")
	mock.ExpectRollback()

	mock.ExpectBegin()
	expectLocks(mock, "cnt:i", "reg:i")
	mock.ExpectExec(q(sqlSet)).WithArgs("cnt:i", "0").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlClearTTL)).WithArgs("cnt:i").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	runs := 0
	err := s.Watch(context.Background(), func(tx repository.Tx) error {
		runs++
		tx.Set("cnt:i", "0")
		return nil
	}, "reg:i")
	require.NoError(t, err)
	require.Equal(t, 2, runs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Watch_InstanceCallsShareLockOrder(t *testing.T) {
	instance := []string{"cnt:i", "reg:i", "col:i", "que:i"}
	sorted := []string{"cnt:i", "col:i", "que:i", "reg:i"}

	// registration-shaped: writes the set and a token mapping
	register := func(tx repository.Tx) error {
		tx.SAdd("reg:i", "m")
		tx.Set("tok:t", "i")
		return nil
	}
	// enqueue-shaped: writes the queue and the collapse index
	enqueue := func(tx repository.Tx) error {
		tx.ZAdd("que:i", 1, "q")
		tx.ZAdd("col:i", 1, "c")
		return nil
	}

	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	expectLocks(mock, sorted...)
	expectLocks(mock, "tok:t")
	mock.ExpectExec(q(sqlSAdd)).WithArgs("reg:i", "m").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlSet)).WithArgs("tok:t", "i").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlClearTTL)).WithArgs("tok:t").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectLocks(mock, sorted...)
	mock.ExpectExec(q(sqlZAdd)).WithArgs("que:i", "q", int64(1)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(q(sqlZAdd)).WithArgs("col:i", "c", int64(1)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Watch(ctx, register, instance...))
	require.NoError(t, s.Watch(ctx, enqueue, instance...))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SweepFlushPing(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := NewStore(db)
	ctx := context.Background()

	mock.ExpectExec(q(sqlSweep)).WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(q(sqlFlush)).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
	require.NoError(t, s.Flush(ctx))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSortedUnique(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"a", "b", "c"}, sortedUnique([]string{"c", "a", "b", "a", "c"}))
	require.Nil(t, sortedUnique(nil))
	require.Equal(t, []string{"x"}, without([]string{"x", "y"}, []string{"y"}))
}
