// Package redis implements the keyed store on Redis.
//
// Batches map to MULTI/EXEC and watched transactions to WATCH/MULTI/EXEC,
// retried a bounded number of times when a watched key changes underneath.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/repository"
)

// DefaultWatchRetries bounds optimistic retries of a watched transaction.
const DefaultWatchRetries = 8

// Store implements repository.Store over a go-redis client.
type Store struct {
	reader
	rdb     goredis.UniversalClient
	retries int
}

var _ repository.Store = (*Store)(nil)

// Config configures a Redis connection.
type Config struct {
	URL      string
	PoolSize int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, c Config) (*Store, error) {
	opts, err := goredis.ParseURL(c.URL)
	if err != nil {
		return nil, err
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}
	rdb := goredis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb goredis.UniversalClient) *Store {
	return &Store{reader: reader{c: rdb}, rdb: rdb, retries: DefaultWatchRetries}
}

// Exec applies fn's commands in one MULTI/EXEC.
func (s *Store) Exec(ctx context.Context, fn func(b repository.Batch)) error {
	b := &batch{}
	fn(b)
	if len(b.ops) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, b.replay(ctx))
	return err
}

// Watch runs fn under WATCH keys and commits its writes in one MULTI/EXEC.
func (s *Store) Watch(ctx context.Context, fn func(tx repository.Tx) error, keys ...string) error {
	for i := 0; i < s.retries; i++ {
		err := s.rdb.Watch(ctx, func(gtx *goredis.Tx) error {
			t := &tx{reader: reader{c: gtx}}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.ops) == 0 {
				return nil
			}
			_, err := gtx.TxPipelined(ctx, t.replay(ctx))
			return err
		}, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return errs.ErrConflict
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Flush removes every key of the selected database.
func (s *Store) Flush(ctx context.Context) error { return s.rdb.FlushDB(ctx).Err() }

// Close closes the client.
func (s *Store) Close() error { return s.rdb.Close() }

type reader struct{ c goredis.Cmdable }

func (r reader) Get(ctx context.Context, key string) (string, error) {
	v, err := r.c.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", errs.ErrNotFound
	}
	return v, err
}

func (r reader) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.c.Exists(ctx, key).Result()
	return n > 0, err
}

func (r reader) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.c.SMembers(ctx, key).Result()
}

func (r reader) ZRange(ctx context.Context, key string, start, stop int64) ([]repository.ScoredMember, error) {
	zs, err := r.c.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return scored(zs), nil
}

func (r reader) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]repository.ScoredMember, error) {
	zs, err := r.c.ZRangeByScoreWithScores(ctx, key, &goredis.ZRangeBy{
		Min: strconv.FormatInt(min, 10),
		Max: strconv.FormatInt(max, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return scored(zs), nil
}

func (r reader) ZScore(ctx context.Context, key, member string) (int64, error) {
	f, err := r.c.ZScore(ctx, key, member).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func scored(zs []goredis.Z) []repository.ScoredMember {
	out := make([]repository.ScoredMember, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, repository.ScoredMember{Member: m, Score: int64(z.Score)})
	}
	return out
}

type tx struct {
	reader
	batch
}

// batch records commands so they can be replayed into a MULTI pipeline.
type batch struct {
	ops []func(ctx context.Context, p goredis.Pipeliner)
}

func (b *batch) replay(ctx context.Context) func(goredis.Pipeliner) error {
	return func(p goredis.Pipeliner) error {
		for _, op := range b.ops {
			op(ctx, p)
		}
		return nil
	}
}

func (b *batch) add(op func(ctx context.Context, p goredis.Pipeliner)) { b.ops = append(b.ops, op) }

func (b *batch) Set(key, value string) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.Set(ctx, key, value, 0) })
}

func (b *batch) SetNX(key, value string) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.SetNX(ctx, key, value, 0) })
}

func (b *batch) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.Del(ctx, keys...) })
}

func (b *batch) SAdd(key, member string) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.SAdd(ctx, key, member) })
}

func (b *batch) SRem(key, member string) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.SRem(ctx, key, member) })
}

func (b *batch) ZAdd(key string, score int64, member string) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) {
		p.ZAdd(ctx, key, goredis.Z{Score: float64(score), Member: member})
	})
}

func (b *batch) ZRemRangeByScore(key string, min, max int64) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) {
		p.ZRemRangeByScore(ctx, key, strconv.FormatInt(min, 10), strconv.FormatInt(max, 10))
	})
}

func (b *batch) ZRemRangeByRank(key string, start, stop int64) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.ZRemRangeByRank(ctx, key, start, stop) })
}

func (b *batch) Expire(key string, ttl time.Duration) {
	b.add(func(ctx context.Context, p goredis.Pipeliner) { p.Expire(ctx, key, ttl) })
}
