package httpapi

import (
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/auth"
	"github.com/and161185/pushrelay/internal/convert"
	"github.com/and161185/pushrelay/internal/dispatch"
	"github.com/and161185/pushrelay/internal/errs"
)

type instanceResponse struct {
	Instance string `json:"instance"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// cookieOK reports whether the request carries the capability cookie of id.
func (s *Server) cookieOK(c *gin.Context, id string) bool {
	cookie, err := c.Cookie(CookieName)
	if err != nil || cookie == "" {
		return false
	}
	return s.codec.VerifyCookie(cookie, id)
}

// checkUser consults the user oracle with the request's own credentials.
func (s *Server) checkUser(c *gin.Context) error {
	return s.user.Check(c.Request.Context(), c.GetHeader("Cookie"), c.GetHeader("Authorization"))
}

// lastSeen parses lastMessage; anything that is not a non-negative integer is 0.
func lastSeen(raw string) int64 {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// POST /instanceId
func (s *Server) createInstance(c *gin.Context) {
	if err := s.checkUser(c); err != nil {
		s.fail(c, err)
		return
	}
	user := auth.BasicUser(c.GetHeader("Authorization"))
	if user == "" {
		s.fail(c, errs.ErrUnauthorized)
		return
	}
	id, err := s.codec.NewInstanceID(user)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, instanceResponse{Instance: id})
}

// GET /instanceId/:id
func (s *Server) issueCookie(c *gin.Context) {
	id := c.Param("id")
	if err := s.checkUser(c); err != nil {
		s.fail(c, err)
		return
	}
	if !s.codec.VerifyInstanceID(id, auth.BasicUser(c.GetHeader("Authorization"))) {
		s.fail(c, errs.ErrNotFound)
		return
	}
	cookie, err := s.codec.NewCookie(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	http.SetCookie(c.Writer, &http.Cookie{Name: CookieName, Value: cookie, Secure: true, HttpOnly: true})
	c.Status(http.StatusNoContent)
}

// DELETE /instanceId/:id
func (s *Server) deleteInstance(c *gin.Context) {
	id := c.Param("id")
	if !s.cookieOK(c, id) {
		s.fail(c, errs.ErrUnauthorized)
		return
	}
	if err := s.checkUser(c); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.reg.DeleteInstance(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET, PUT, DELETE /registrations/:id/:user/:app
func (s *Server) registration(c *gin.Context) {
	id, user, app := c.Param("id"), c.Param("user"), c.Param("app")
	if !s.cookieOK(c, id) {
		s.fail(c, errs.ErrUnauthorized)
		return
	}
	if err := s.checkUser(c); err != nil {
		s.fail(c, err)
		return
	}
	if authz := c.GetHeader("Authorization"); authz != "" && auth.BasicUser(authz) != user {
		s.fail(c, errs.ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	switch c.Request.Method {
	case http.MethodGet:
		token, err := s.reg.Lookup(ctx, id, app)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, tokenResponse{Token: token})
	case http.MethodPut:
		token, _, err := s.reg.Register(ctx, id, app)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, tokenResponse{Token: token})
	case http.MethodDelete:
		if err := s.reg.Deregister(ctx, id, app); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	default:
		s.fail(c, errs.ErrForbidden)
	}
}

// GET /nextMessage/:id?lastMessage=N
func (s *Server) nextMessage(c *gin.Context) {
	id := c.Param("id")
	if !s.cookieOK(c, id) {
		s.fail(c, errs.ErrUnauthorized)
		return
	}
	ctx := c.Request.Context()
	msg, w, err := s.queue.Poll(ctx, id, lastSeen(c.Query("lastMessage")))
	if err != nil {
		s.fail(c, err)
		return
	}
	if msg != nil {
		c.JSON(http.StatusOK, msg)
		return
	}

	select {
	case r := <-w.Done():
		switch r.Outcome {
		case dispatch.OutcomeMessage:
			c.JSON(http.StatusOK, r.Message)
		case dispatch.OutcomeTimeout:
			c.Status(http.StatusNoContent)
		case dispatch.OutcomeGone:
			c.Status(http.StatusGone)
		default:
			// the newer poll owns the response; this one is dropped unanswered
			s.log.Debug("poll superseded", zap.String("instance", id))
			panic(http.ErrAbortHandler)
		}
	case <-ctx.Done():
		s.polls.Release(w)
		c.Abort()
	}
}

// POST /messageQueue/:token
func (s *Server) enqueue(c *gin.Context) {
	mt, _, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err != nil || mt != "application/json" {
		s.fail(c, errs.ErrMalformed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		s.fail(c, errs.ErrMalformed)
		return
	}
	push, err := convert.FromPushBody(body)
	if err != nil {
		s.fail(c, err)
		return
	}

	token := c.Param("token")
	authz := c.GetHeader("Authorization")
	ctx := c.Request.Context()
	if err := s.app.Authorize(ctx, authz); err != nil {
		s.fail(c, err)
		return
	}
	if !s.codec.VerifyToken(token, auth.BasicUser(authz)) {
		s.fail(c, errs.ErrUnauthorized)
		return
	}
	if _, _, err := s.queue.Enqueue(ctx, token, push.CollapseKey, push.Data); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /healthz
func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
	}
	c.Status(http.StatusOK)
}
