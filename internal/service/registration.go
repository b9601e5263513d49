package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/convert"
	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/model"
	"github.com/and161185/pushrelay/internal/repository"
)

// RegistrationService manages the apps bound to an instance.
type RegistrationService interface {
	// Register binds app to instance and returns its token; created is false
	// when the app was already bound.
	Register(ctx context.Context, instance, app string) (token string, created bool, err error)
	// Lookup returns the token bound to (instance, app) or errs.ErrNotFound.
	Lookup(ctx context.Context, instance, app string) (string, error)
	// Deregister unbinds app and drops its queued messages. Removing the last
	// app deletes the instance and ends its pending poll.
	Deregister(ctx context.Context, instance, app string) error
	// DeleteInstance removes every registration and message of instance.
	DeleteInstance(ctx context.Context, instance string) error
}

type RegistrationServiceImpl struct {
	d Deps
}

var _ RegistrationService = (*RegistrationServiceImpl)(nil)

// NewRegistrationService constructs RegistrationService.
func NewRegistrationService(d Deps) *RegistrationServiceImpl {
	return &RegistrationServiceImpl{d: d.withDefaults()}
}

// Register is idempotent per distinct app.
func (s *RegistrationServiceImpl) Register(ctx context.Context, instance, app string) (string, bool, error) {
	var (
		token   string
		created bool
	)
	err := s.d.Store.Watch(ctx, func(tx repository.Tx) error {
		token, created = "", false

		regs, err := loadRegistrations(ctx, tx, instance)
		if err != nil {
			return err
		}
		if r, ok := findApp(regs, app); ok {
			token = r.Token
			touch(tx, s.d.TTL, instance, tokensOf(regs)...)
			return nil
		}

		tok, err := s.d.Codec.NewToken(app)
		if err != nil {
			return err
		}
		tx.SetNX(counterKey(instance), "0")
		tx.SAdd(regKey(instance), convert.RegistrationMember(model.Registration{Token: tok, AppName: app}))
		tx.Set(tokKey(tok), instance)
		touch(tx, s.d.TTL, instance, append(tokensOf(regs), tok)...)
		token, created = tok, true
		return nil
	}, instanceKeys(instance)...)
	if err != nil {
		s.d.Logger.Error("register failed", zap.String("instance", instance), zap.String("app", app), zap.Error(err))
		return "", false, fmt.Errorf("register: %w", err)
	}
	if created {
		s.d.Metrics.Registration("created")
		s.d.Logger.Debug("registration created", zap.String("instance", instance), zap.String("app", app))
	}
	return token, created, nil
}

// Lookup refreshes the instance expiry when the binding exists.
func (s *RegistrationServiceImpl) Lookup(ctx context.Context, instance, app string) (string, error) {
	regs, err := loadRegistrations(ctx, s.d.Store, instance)
	if err != nil {
		return "", err
	}
	r, ok := findApp(regs, app)
	if !ok {
		return "", errs.ErrNotFound
	}
	if err := s.d.Store.Exec(ctx, func(b repository.Batch) {
		touch(b, s.d.TTL, instance, tokensOf(regs)...)
	}); err != nil {
		s.d.Logger.Error("refresh expiry failed", zap.String("instance", instance), zap.Error(err))
		return "", fmt.Errorf("lookup: %w", err)
	}
	return r.Token, nil
}

// Deregister removes app's registration, token mapping and queued messages.
func (s *RegistrationServiceImpl) Deregister(ctx context.Context, instance, app string) error {
	var last bool
	err := s.d.Store.Watch(ctx, func(tx repository.Tx) error {
		last = false

		regs, err := loadRegistrations(ctx, tx, instance)
		if err != nil {
			return err
		}
		r, ok := findApp(regs, app)
		if !ok {
			return errs.ErrNotFound
		}
		if len(regs) == 1 {
			tx.Del(append(instanceKeys(instance), tokKey(r.Token))...)
			last = true
			return nil
		}

		tx.SRem(regKey(instance), r.member)
		tx.Del(tokKey(r.Token))

		entries, err := tx.ZRange(ctx, collapseKey(instance), 0, -1)
		if err != nil {
			return fmt.Errorf("read collapse index: %w", err)
		}
		// highest rank first so earlier removals never shift later ranks
		for i := len(entries) - 1; i >= 0; i-- {
			e, err := convert.FromCollapseMember(entries[i].Member)
			if err != nil {
				return err
			}
			if e.AppName != app {
				continue
			}
			rank := int64(i)
			tx.ZRemRangeByRank(queueKey(instance), rank, rank)
			tx.ZRemRangeByRank(collapseKey(instance), rank, rank)
		}

		var rest []string
		for _, o := range regs {
			if o.Token != r.Token {
				rest = append(rest, o.Token)
			}
		}
		touch(tx, s.d.TTL, instance, rest...)
		return nil
	}, instanceKeys(instance)...)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.d.Logger.Error("deregister failed", zap.String("instance", instance), zap.String("app", app), zap.Error(err))
		}
		return fmt.Errorf("deregister: %w", err)
	}

	s.d.Metrics.Registration("removed")
	s.d.Logger.Debug("registration removed", zap.String("instance", instance), zap.String("app", app), zap.Bool("last", last))
	if last {
		s.d.Poller.Cancel(instance)
	}
	return nil
}

// DeleteInstance drops the instance with all its tokens.
func (s *RegistrationServiceImpl) DeleteInstance(ctx context.Context, instance string) error {
	err := s.d.Store.Watch(ctx, func(tx repository.Tx) error {
		regs, err := loadRegistrations(ctx, tx, instance)
		if err != nil {
			return err
		}
		if len(regs) == 0 {
			return errs.ErrNotFound
		}
		keys := instanceKeys(instance)
		for _, t := range tokensOf(regs) {
			keys = append(keys, tokKey(t))
		}
		tx.Del(keys...)
		return nil
	}, instanceKeys(instance)...)
	if err != nil {
		if !errors.Is(err, errs.ErrNotFound) {
			s.d.Logger.Error("delete instance failed", zap.String("instance", instance), zap.Error(err))
		}
		return fmt.Errorf("delete instance: %w", err)
	}

	s.d.Metrics.Registration("dropped")
	s.d.Logger.Debug("instance deleted", zap.String("instance", instance))
	s.d.Poller.Cancel(instance)
	return nil
}
