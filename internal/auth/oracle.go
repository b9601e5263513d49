// Package auth delegates credential checks to the external authentication
// oracle and caches accepted app-server credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/metrics"
)

// Checker decides whether a caller's credentials are accepted.
type Checker interface {
	// Check returns nil when accepted, errs.ErrUnauthorized when rejected and
	// errs.ErrUnavailable when the decision could not be obtained.
	Check(ctx context.Context, cookie, authorization string) error
}

// Endpoint addresses an oracle.
type Endpoint struct {
	Secure bool
	Host   string
	Port   int
	Path   string
}

// URL renders the endpoint.
func (e Endpoint) URL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), Path: e.Path}
	return u.String()
}

// Oracle is a Checker backed by an HTTP authentication service: a GET with
// the caller's Cookie and Authorization headers, 204 meaning accepted.
type Oracle struct {
	name    string
	url     string
	pool    *Pool
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewOracle creates an oracle client. name labels logs and metrics.
func NewOracle(name string, ep Endpoint, pool *Pool, log *zap.Logger, m *metrics.Metrics) *Oracle {
	return &Oracle{name: name, url: ep.URL(), pool: pool, log: log, metrics: m}
}

// Check asks the oracle about the given credentials.
func (o *Oracle) Check(ctx context.Context, cookie, authorization string) error {
	start := time.Now()
	err := o.check(ctx, cookie, authorization)

	result := "accepted"
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		result = "rejected"
	case err != nil:
		result = "unavailable"
	}
	o.metrics.Oracle(o.name, result, time.Since(start))
	return err
}

func (o *Oracle) check(ctx context.Context, cookie, authorization string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return fmt.Errorf("%w: oracle request: %v", errs.ErrUnavailable, err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	status, err := o.pool.Status(ctx, req)
	if err != nil {
		o.log.Warn("oracle unavailable", zap.String("oracle", o.name), zap.Error(err))
		return fmt.Errorf("%w: %s oracle: %v", errs.ErrUnavailable, o.name, err)
	}
	if status != http.StatusNoContent {
		o.log.Debug("oracle rejected", zap.String("oracle", o.name), zap.Int("status", status))
		return errs.ErrUnauthorized
	}
	return nil
}
