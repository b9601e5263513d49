package postgres

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/repository"
)

const live = `NOT EXISTS (SELECT 1 FROM kv_expiry e WHERE e.key=$1 AND e.expires_at<=now())`

const (
	sqlGet    = `SELECT value FROM kv_strings WHERE key=$1 AND ` + live
	sqlExists = `
SELECT EXISTS (
  SELECT 1 FROM kv_strings WHERE key=$1
  UNION ALL SELECT 1 FROM kv_sets WHERE key=$1
  UNION ALL SELECT 1 FROM kv_zsets WHERE key=$1
) AND ` + live
	sqlSMembers = `SELECT member FROM kv_sets WHERE key=$1 AND ` + live + ` ORDER BY member`
	sqlZRange   = `
SELECT member, score FROM (
  SELECT member, score,
         row_number() OVER (ORDER BY score, member) - 1 AS rnk,
         count(*) OVER () AS n
  FROM kv_zsets WHERE key=$1 AND ` + live + `
) z
WHERE rnk >= CASE WHEN $2::bigint < 0 THEN n + $2::bigint ELSE $2::bigint END
  AND rnk <= CASE WHEN $3::bigint < 0 THEN n + $3::bigint ELSE $3::bigint END
ORDER BY rnk`
	sqlZRangeByScore = `SELECT member, score FROM kv_zsets WHERE key=$1 AND score BETWEEN $2 AND $3 AND ` + live + ` ORDER BY score, member`
	sqlZScore        = `SELECT score FROM kv_zsets WHERE key=$1 AND member=$2 AND ` + live
)

const (
	sqlLock  = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	sqlPurge = `
WITH gone AS (DELETE FROM kv_expiry WHERE key = ANY($1) AND expires_at<=now() RETURNING key),
s AS (DELETE FROM kv_strings WHERE key IN (SELECT key FROM gone)),
t AS (DELETE FROM kv_sets WHERE key IN (SELECT key FROM gone))
DELETE FROM kv_zsets WHERE key IN (SELECT key FROM gone)`
	sqlSweep = `
WITH gone AS (DELETE FROM kv_expiry WHERE expires_at<=now() RETURNING key),
s AS (DELETE FROM kv_strings WHERE key IN (SELECT key FROM gone)),
t AS (DELETE FROM kv_sets WHERE key IN (SELECT key FROM gone))
DELETE FROM kv_zsets WHERE key IN (SELECT key FROM gone)`
	sqlFlush = `TRUNCATE kv_strings, kv_sets, kv_zsets, kv_expiry`
)

const (
	sqlSet         = `INSERT INTO kv_strings (key, value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`
	sqlClearTTL    = `DELETE FROM kv_expiry WHERE key=$1`
	sqlSetNX       = `INSERT INTO kv_strings (key, value) VALUES ($1,$2) ON CONFLICT (key) DO NOTHING`
	sqlDelStrings  = `DELETE FROM kv_strings WHERE key = ANY($1)`
	sqlDelSets     = `DELETE FROM kv_sets WHERE key = ANY($1)`
	sqlDelZSets    = `DELETE FROM kv_zsets WHERE key = ANY($1)`
	sqlDelExpiry   = `DELETE FROM kv_expiry WHERE key = ANY($1)`
	sqlSAdd        = `INSERT INTO kv_sets (key, member) VALUES ($1,$2) ON CONFLICT DO NOTHING`
	sqlSRem        = `DELETE FROM kv_sets WHERE key=$1 AND member=$2`
	sqlZAdd        = `INSERT INTO kv_zsets (key, member, score) VALUES ($1,$2,$3) ON CONFLICT (key, member) DO UPDATE SET score=EXCLUDED.score`
	sqlZRemByScore = `DELETE FROM kv_zsets WHERE key=$1 AND score BETWEEN $2 AND $3`
	sqlZRemByRank  = `
DELETE FROM kv_zsets z USING (
  SELECT member,
         row_number() OVER (ORDER BY score, member) - 1 AS rnk,
         count(*) OVER () AS n
  FROM kv_zsets WHERE key=$1
) r
WHERE z.key=$1 AND z.member=r.member
  AND r.rnk >= CASE WHEN $2::bigint < 0 THEN r.n + $2::bigint ELSE $2::bigint END
  AND r.rnk <= CASE WHEN $3::bigint < 0 THEN r.n + $3::bigint ELSE $3::bigint END`
	sqlExpire = `
INSERT INTO kv_expiry (key, expires_at)
SELECT $1, now() + $2 * interval '1 millisecond'
WHERE EXISTS (
  SELECT 1 FROM kv_strings WHERE key=$1
  UNION ALL SELECT 1 FROM kv_sets WHERE key=$1
  UNION ALL SELECT 1 FROM kv_zsets WHERE key=$1
)
ON CONFLICT (key) DO UPDATE SET expires_at=EXCLUDED.expires_at`
)

// Store implements repository.Store using PostgreSQL.
type Store struct {
	reader
	db *DB
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a store over db.
func NewStore(db *DB) *Store { return &Store{reader: reader{q: db.Pool}, db: db} }

// Exec applies fn's commands in one transaction, holding advisory locks on
// every key it touches.
func (s *Store) Exec(ctx context.Context, fn func(b repository.Batch)) error {
	b := &batch{}
	fn(b)
	if len(b.ops) == 0 {
		return nil
	}
	return s.inTx(ctx, b.keys(), func(tx pgx.Tx) error { return b.apply(ctx, tx) })
}

// MaxRelocks bounds how often Watch restarts to widen its lock set.
const MaxRelocks = 4

var errRelock = errors.New("write keys sort before held locks")

// Watch runs fn inside a transaction that holds advisory locks on keys, so
// no concurrent writer can change them before fn's writes commit.
//
// Locks are always acquired in ascending key order. Keys fn writes but did
// not watch are locked after fn returns when they sort after every held key;
// otherwise the transaction is rolled back and rerun holding the union.
func (s *Store) Watch(ctx context.Context, fn func(tx repository.Tx) error, keys ...string) error {
	lock := sortedUnique(keys)
	for i := 0; i <= MaxRelocks; i++ {
		var grow []string
		err := s.inTx(ctx, lock, func(ptx pgx.Tx) error {
			t := &txn{reader: reader{q: ptx}}
			if err := fn(t); err != nil {
				return err
			}
			extra := sortedUnique(without(t.keys(), lock))
			if len(extra) > 0 {
				if len(lock) > 0 && extra[0] < lock[len(lock)-1] {
					grow = extra
					return errRelock
				}
				if err := lockAndPurge(ctx, ptx, extra); err != nil {
					return err
				}
			}
			return t.apply(ctx, ptx)
		})
		if !errors.Is(err, errRelock) {
			return err
		}
		lock = sortedUnique(append(lock, grow...))
	}
	return errs.ErrConflict
}

func (s *Store) inTx(ctx context.Context, keys []string, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if err = lockAndPurge(ctx, tx, sortedUnique(keys)); err != nil {
		return err
	}
	return fn(tx)
}

// lockAndPurge takes advisory locks on sorted keys and drops those already expired.
func lockAndPurge(ctx context.Context, tx pgx.Tx, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, k := range keys {
		if _, err := tx.Exec(ctx, sqlLock, k); err != nil {
			return err
		}
	}
	_, err := tx.Exec(ctx, sqlPurge, keys)
	return err
}

func without(keys, drop []string) []string {
	seen := make(map[string]struct{}, len(drop))
	for _, k := range drop {
		seen[k] = struct{}{}
	}
	var out []string
	for _, k := range keys {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Sweep deletes every expired key and returns the number of ordered-set rows removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, sqlSweep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.Pool.Ping(ctx) }

// Flush truncates every table.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.db.Pool.Exec(ctx, sqlFlush)
	return err
}

// Close closes the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

type reader struct{ q querier }

func (r reader) Get(ctx context.Context, key string) (string, error) {
	var v string
	if err := r.q.QueryRow(ctx, sqlGet, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", errs.ErrNotFound
		}
		return "", err
	}
	return v, nil
}

func (r reader) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := r.q.QueryRow(ctx, sqlExists, key).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (r reader) SMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := r.q.Query(ctx, sqlSMembers, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var m string
		if err = rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r reader) ZRange(ctx context.Context, key string, start, stop int64) ([]repository.ScoredMember, error) {
	return r.scored(ctx, sqlZRange, key, start, stop)
}

func (r reader) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]repository.ScoredMember, error) {
	return r.scored(ctx, sqlZRangeByScore, key, min, max)
}

func (r reader) scored(ctx context.Context, q, key string, a, b int64) ([]repository.ScoredMember, error) {
	rows, err := r.q.Query(ctx, q, key, a, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []repository.ScoredMember{}
	for rows.Next() {
		var m repository.ScoredMember
		if err = rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r reader) ZScore(ctx context.Context, key, member string) (int64, error) {
	var score int64
	if err := r.q.QueryRow(ctx, sqlZScore, key, member).Scan(&score); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	return score, nil
}

type txn struct {
	reader
	batch
}

type stmt struct {
	sql  string
	args []any
}

type op struct {
	keys  []string
	stmts []stmt
}

// batch records commands until the surrounding transaction applies them.
type batch struct{ ops []op }

func (b *batch) add(keys []string, stmts ...stmt) {
	b.ops = append(b.ops, op{keys: keys, stmts: stmts})
}

func (b *batch) keys() []string {
	var out []string
	for _, o := range b.ops {
		out = append(out, o.keys...)
	}
	return sortedUnique(out)
}

func (b *batch) apply(ctx context.Context, tx pgx.Tx) error {
	for _, o := range b.ops {
		for _, st := range o.stmts {
			if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *batch) Set(key, value string) {
	b.add([]string{key},
		stmt{sqlSet, []any{key, value}},
		stmt{sqlClearTTL, []any{key}},
	)
}

func (b *batch) SetNX(key, value string) {
	b.add([]string{key}, stmt{sqlSetNX, []any{key, value}})
}

func (b *batch) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	ks := append([]string(nil), keys...)
	b.add(ks,
		stmt{sqlDelStrings, []any{ks}},
		stmt{sqlDelSets, []any{ks}},
		stmt{sqlDelZSets, []any{ks}},
		stmt{sqlDelExpiry, []any{ks}},
	)
}

func (b *batch) SAdd(key, member string) {
	b.add([]string{key}, stmt{sqlSAdd, []any{key, member}})
}

func (b *batch) SRem(key, member string) {
	b.add([]string{key}, stmt{sqlSRem, []any{key, member}})
}

func (b *batch) ZAdd(key string, score int64, member string) {
	b.add([]string{key}, stmt{sqlZAdd, []any{key, member, score}})
}

func (b *batch) ZRemRangeByScore(key string, min, max int64) {
	b.add([]string{key}, stmt{sqlZRemByScore, []any{key, min, max}})
}

func (b *batch) ZRemRangeByRank(key string, start, stop int64) {
	b.add([]string{key}, stmt{sqlZRemByRank, []any{key, start, stop}})
}

func (b *batch) Expire(key string, ttl time.Duration) {
	b.add([]string{key}, stmt{sqlExpire, []any{key, ttl.Milliseconds()}})
}
