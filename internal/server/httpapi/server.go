// Package httpapi exposes the relay over HTTP: instance and cookie issuance,
// registration CRUD, long-poll retrieval and message enqueue.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/auth"
	"github.com/and161185/pushrelay/internal/dispatch"
	"github.com/and161185/pushrelay/internal/identity"
	"github.com/and161185/pushrelay/internal/metrics"
	"github.com/and161185/pushrelay/internal/service"
)

// CookieName is the cookie carrying the instance capability.
const CookieName = "instance"

// MaxBodyBytes bounds an enqueue body.
const MaxBodyBytes = 1 << 20

// AppAuthorizer admits app-server requests.
type AppAuthorizer interface {
	Authorize(ctx context.Context, authorization string) error
}

// Releaser drops a pending poll whose client went away.
type Releaser interface {
	Release(w *dispatch.Waiter) bool
}

// Options wires the server's collaborators.
type Options struct {
	Registrations service.RegistrationService
	Queue         service.QueueService
	Codec         *identity.Codec
	UserOracle    auth.Checker
	AppAuth       AppAuthorizer
	Polls         Releaser
	// Health reports store reachability for /healthz.
	Health  func(ctx context.Context) error
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Server holds the HTTP handlers.
type Server struct {
	reg     service.RegistrationService
	queue   service.QueueService
	codec   *identity.Codec
	user    auth.Checker
	app     AppAuthorizer
	polls   Releaser
	health  func(ctx context.Context) error
	metrics *metrics.Metrics
	log     *zap.Logger
}

// New constructs a server with injected collaborators.
func New(o Options) *Server {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		reg:     o.Registrations,
		queue:   o.Queue,
		codec:   o.Codec,
		user:    o.UserOracle,
		app:     o.AppAuth,
		polls:   o.Polls,
		health:  o.Health,
		metrics: o.Metrics,
		log:     log,
	}
}

// Router builds the gin engine serving every route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(Recover(s.log), Logging(s.log), Instrument(s.metrics))

	r.POST("/instanceId", s.createInstance)
	r.GET("/instanceId/:id", s.issueCookie)
	r.DELETE("/instanceId/:id", s.deleteInstance)

	r.GET("/registrations/:id/:user/:app", s.registration)
	r.PUT("/registrations/:id/:user/:app", s.registration)
	r.DELETE("/registrations/:id/:user/:app", s.registration)

	r.GET("/nextMessage/:id", s.nextMessage)
	r.POST("/messageQueue/:token", s.enqueue)

	r.GET("/healthz", s.healthz)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// unknown paths and unsupported methods
	r.NoRoute(func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) })
	return r
}
