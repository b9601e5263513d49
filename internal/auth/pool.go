package auth

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

// Pool bounds concurrent requests to one oracle destination. Requests beyond
// the limit wait in FIFO order for the next release; released connections
// stay idle for a grace period before they are closed.
type Pool struct {
	client *http.Client
	sem    *semaphore.Weighted
}

// NewPool creates a pool of size connections kept idle for idle.
func NewPool(size int, idle time.Duration, tlsConf *tls.Config) *Pool {
	if size <= 0 {
		size = 1
	}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     size,
		MaxIdleConns:        size,
		MaxIdleConnsPerHost: size,
		IdleConnTimeout:     idle,
		TLSClientConfig:     tlsConf,
	}
	return &Pool{
		client: &http.Client{Transport: tr},
		sem:    semaphore.NewWeighted(int64(size)),
	}
}

// Status performs req and returns the response status. The body is drained
// so the connection returns to the idle set.
func (p *Pool) Status(ctx context.Context, req *http.Request) (int, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer p.sem.Release(1)

	resp, err := p.client.Do(req.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Close drops idle connections.
func (p *Pool) Close() { p.client.CloseIdleConnections() }
