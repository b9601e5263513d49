package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/convert"
	"github.com/and161185/pushrelay/internal/dispatch"
	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/model"
	"github.com/and161185/pushrelay/internal/repository"
)

// QueueService moves messages from app servers to polling clients.
type QueueService interface {
	// Enqueue queues data for the instance token is bound to. A non-nil
	// collapseKey replaces a pending message of the same app and key in place.
	Enqueue(ctx context.Context, token string, collapseKey *string, data json.RawMessage) (msg model.Message, collapsed bool, err error)
	// AdvanceCursor drops messages with id <= lastSeen and returns the oldest
	// remaining one, or nil.
	AdvanceCursor(ctx context.Context, instance string, lastSeen int64) (*model.Message, error)
	// Poll is AdvanceCursor followed, when nothing is queued, by a wait for
	// the next message; exactly one of the message and the waiter is non-nil.
	Poll(ctx context.Context, instance string, lastSeen int64) (*model.Message, *dispatch.Waiter, error)
}

type QueueServiceImpl struct {
	d Deps
}

var _ QueueService = (*QueueServiceImpl)(nil)

// NewQueueService constructs QueueService.
func NewQueueService(d Deps) *QueueServiceImpl {
	return &QueueServiceImpl{d: d.withDefaults()}
}

// Enqueue appends or collapses a message in one watched transaction.
func (s *QueueServiceImpl) Enqueue(ctx context.Context, token string, key *string, data json.RawMessage) (model.Message, bool, error) {
	instance, err := s.d.Store.Get(ctx, tokKey(token))
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.d.Logger.Error("resolve token failed", zap.Error(err))
		}
		return model.Message{}, false, fmt.Errorf("enqueue: %w", err)
	}

	var (
		msg       model.Message
		collapsed bool
	)
	err = s.d.Store.Watch(ctx, func(tx repository.Tx) error {
		msg, collapsed = model.Message{}, false

		regs, err := loadRegistrations(ctx, tx, instance)
		if err != nil {
			return err
		}
		r, ok := findToken(regs, token)
		if !ok {
			return errs.ErrNotFound
		}

		if key != nil {
			member := convert.CollapseMember(model.CollapseEntry{Key: key, AppName: r.AppName})
			id, err := tx.ZScore(ctx, collapseKey(instance), member)
			switch {
			case err == nil:
				msg = model.Message{ID: id, Token: token, Data: data}
				qm, err := convert.QueueMember(msg)
				if err != nil {
					return err
				}
				tx.ZRemRangeByScore(queueKey(instance), id, id)
				tx.ZAdd(queueKey(instance), id, qm)
				touch(tx, s.d.TTL, instance, tokensOf(regs)...)
				collapsed = true
				return nil
			case !errors.Is(err, errs.ErrNotFound):
				return fmt.Errorf("read collapse index: %w", err)
			}
		}

		last, err := readCounter(ctx, tx, instance)
		if err != nil {
			return err
		}
		msg = model.Message{ID: last + 1, Token: token, Data: data}
		qm, err := convert.QueueMember(msg)
		if err != nil {
			return err
		}
		entry := model.CollapseEntry{Key: key, AppName: r.AppName}
		if key == nil {
			entry.Seq = msg.ID
		}
		tx.Set(counterKey(instance), strconv.FormatInt(msg.ID, 10))
		tx.ZAdd(queueKey(instance), msg.ID, qm)
		tx.ZAdd(collapseKey(instance), msg.ID, convert.CollapseMember(entry))
		touch(tx, s.d.TTL, instance, tokensOf(regs)...)
		return nil
	}, instanceKeys(instance)...)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.d.Logger.Error("enqueue failed", zap.String("instance", instance), zap.Error(err))
		}
		return model.Message{}, false, fmt.Errorf("enqueue: %w", err)
	}

	s.d.Metrics.Enqueued(collapsed)
	if collapsed {
		s.d.Logger.Debug("message collapsed", zap.String("instance", instance), zap.Int64("id", msg.ID))
		return msg, true, nil
	}
	if s.d.Poller.Deliver(instance, msg) {
		s.d.Logger.Debug("message delivered to pending poll", zap.String("instance", instance), zap.Int64("id", msg.ID))
	}
	return msg, false, nil
}

func readCounter(ctx context.Context, r repository.Reader, instance string) (int64, error) {
	v, err := r.Get(ctx, counterKey(instance))
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter of %s: %w", instance, err)
	}
	return n, nil
}

// AdvanceCursor acknowledges everything up to lastSeen.
func (s *QueueServiceImpl) AdvanceCursor(ctx context.Context, instance string, lastSeen int64) (*model.Message, error) {
	regs, err := loadRegistrations(ctx, s.d.Store, instance)
	if err != nil {
		return nil, err
	}
	if len(regs) == 0 {
		return nil, fmt.Errorf("advance cursor: %w", errs.ErrNotFound)
	}
	if lastSeen < 0 {
		lastSeen = 0
	}

	err = s.d.Store.Exec(ctx, func(b repository.Batch) {
		b.ZRemRangeByScore(queueKey(instance), 0, lastSeen)
		b.ZRemRangeByScore(collapseKey(instance), 0, lastSeen)
		touch(b, s.d.TTL, instance, tokensOf(regs)...)
	})
	if err != nil {
		s.d.Logger.Error("advance cursor failed", zap.String("instance", instance), zap.Error(err))
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	return s.head(ctx, instance)
}

func (s *QueueServiceImpl) head(ctx context.Context, instance string) (*model.Message, error) {
	top, err := s.d.Store.ZRange(ctx, queueKey(instance), 0, 0)
	if err != nil {
		return nil, fmt.Errorf("read queue head: %w", err)
	}
	if len(top) == 0 {
		return nil, nil
	}
	m, err := convert.FromQueueMember(top[0].Member)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Poll returns the next message or a waiter that resolves with it.
func (s *QueueServiceImpl) Poll(ctx context.Context, instance string, lastSeen int64) (*model.Message, *dispatch.Waiter, error) {
	m, err := s.AdvanceCursor(ctx, instance, lastSeen)
	if err != nil || m != nil {
		return m, nil, err
	}

	w := s.d.Poller.Await(instance)
	// an enqueue may have committed between the read above and Await
	if m, err = s.head(ctx, instance); err != nil {
		s.d.Logger.Warn("queue recheck failed", zap.String("instance", instance), zap.Error(err))
	} else if m != nil {
		s.d.Poller.Deliver(instance, *m)
	}
	return nil, w, nil
}
