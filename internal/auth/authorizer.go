package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/and161185/pushrelay/internal/credcache"
	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/metrics"
)

// Authorizer admits app-server requests carrying Basic credentials,
// consulting the oracle only when the credentials are not freshly cached.
type Authorizer struct {
	oracle  Checker
	cache   *credcache.Cache
	metrics *metrics.Metrics
}

// NewAuthorizer creates an authorizer. A nil cache disables caching.
func NewAuthorizer(oracle Checker, cache *credcache.Cache, m *metrics.Metrics) *Authorizer {
	return &Authorizer{oracle: oracle, cache: cache, metrics: m}
}

// Authorize checks the Authorization header value of an app-server request.
func (a *Authorizer) Authorize(ctx context.Context, authorization string) error {
	if _, _, ok := BasicCredentials(authorization); !ok {
		return errs.ErrUnauthorized
	}
	if a.cache != nil {
		hit := a.cache.Fresh(authorization)
		a.metrics.CredCache(hit)
		if hit {
			return nil
		}
	}
	if err := a.oracle.Check(ctx, "", authorization); err != nil {
		if a.cache != nil && errors.Is(err, errs.ErrUnauthorized) {
			// revoked upstream; drop any stale entry still awaiting cleanup
			a.cache.Forget(authorization)
		}
		return err
	}
	if a.cache != nil {
		a.cache.Remember(authorization)
	}
	return nil
}

// BasicCredentials parses a "Basic <base64(user:pass)>" header value.
func BasicCredentials(authorization string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	if !ok {
		return "", "", false
	}
	return user, pass, true
}

// BasicUser returns the user name of Basic credentials, or "".
func BasicUser(authorization string) string {
	user, _, _ := BasicCredentials(authorization)
	return user
}
