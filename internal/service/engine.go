// Package service implements the registration and queue engine: the state
// transitions that keep an instance's counter, registrations, token map,
// collapse index and queue consistent.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/convert"
	"github.com/and161185/pushrelay/internal/dispatch"
	"github.com/and161185/pushrelay/internal/identity"
	"github.com/and161185/pushrelay/internal/metrics"
	"github.com/and161185/pushrelay/internal/model"
	"github.com/and161185/pushrelay/internal/repository"
)

// DefaultRegistrationTimeout is the idle horizon of an instance.
const DefaultRegistrationTimeout = 30 * 24 * time.Hour

// Poller is the long-poll dispatch as seen by the engine.
type Poller interface {
	Await(instance string) *dispatch.Waiter
	Deliver(instance string, msg model.Message) bool
	Cancel(instance string) bool
}

// Deps bundles what both engine services need.
type Deps struct {
	Store   repository.Store
	Codec   *identity.Codec
	Poller  Poller
	TTL     time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

func (d Deps) withDefaults() Deps {
	if d.TTL <= 0 {
		d.TTL = DefaultRegistrationTimeout
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

func counterKey(instance string) string  { return "cnt:" + instance }
func regKey(instance string) string      { return "reg:" + instance }
func tokKey(token string) string         { return "tok:" + token }
func collapseKey(instance string) string { return "col:" + instance }
func queueKey(instance string) string    { return "que:" + instance }

// instanceKeys are the four families named after the instance itself. Every
// watched transaction on an instance watches all of them, so backends that
// lock keys acquire them in the same order.
func instanceKeys(instance string) []string {
	return []string{counterKey(instance), regKey(instance), collapseKey(instance), queueKey(instance)}
}

// registration pairs a decoded set member with its stored form.
type registration struct {
	model.Registration
	member string
}

func loadRegistrations(ctx context.Context, r repository.Reader, instance string) ([]registration, error) {
	members, err := r.SMembers(ctx, regKey(instance))
	if err != nil {
		return nil, fmt.Errorf("read registrations: %w", err)
	}
	out := make([]registration, 0, len(members))
	for _, m := range members {
		reg, err := convert.FromRegistrationMember(m)
		if err != nil {
			return nil, err
		}
		out = append(out, registration{Registration: reg, member: m})
	}
	return out, nil
}

func findApp(regs []registration, app string) (registration, bool) {
	for _, r := range regs {
		if r.AppName == app {
			return r, true
		}
	}
	return registration{}, false
}

func findToken(regs []registration, token string) (registration, bool) {
	for _, r := range regs {
		if r.Token == token {
			return r, true
		}
	}
	return registration{}, false
}

func tokensOf(regs []registration) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Token)
	}
	return out
}

// touch refreshes the shared expiry horizon of an instance and the given tokens.
func touch(b repository.Batch, ttl time.Duration, instance string, tokens ...string) {
	for _, k := range instanceKeys(instance) {
		b.Expire(k, ttl)
	}
	for _, t := range tokens {
		b.Expire(tokKey(t), ttl)
	}
}
