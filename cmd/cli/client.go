package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/model"
)

const cookieName = "instance"

// errGone reports that the polled instance lost its last registration.
var errGone = errors.New("instance gone")

// statusError is a non-success response, classified by kind.
type statusError struct {
	code int
	kind error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v (HTTP %d)", e.kind, e.code)
}

func (e *statusError) Unwrap() error { return e.kind }

func fromStatus(code int) error {
	var kind error
	switch code {
	case http.StatusBadRequest:
		kind = errs.ErrMalformed
	case http.StatusUnauthorized:
		kind = errs.ErrUnauthorized
	case http.StatusForbidden:
		kind = errs.ErrForbidden
	case http.StatusNotFound:
		kind = errs.ErrNotFound
	case http.StatusGone:
		kind = errGone
	case http.StatusServiceUnavailable:
		kind = errs.ErrUnavailable
	default:
		kind = errors.New(strings.ToLower(http.StatusText(code)))
	}
	return &statusError{code: code, kind: kind}
}

// client speaks the relay's HTTP API.
type client struct {
	base       string
	http       *http.Client
	user, pass string
	cookie     string
}

// newClient builds a client without an overall timeout; callers bound
// requests with their context since polls may be held for minutes.
func newClient(base string, tlsConf *tls.Config, user, pass string) *client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tlsConf
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Transport: tr},
		user: user,
		pass: pass,
	}
}

func (c *client) do(ctx context.Context, method string, path []string, query url.Values, body []byte, out any, ok ...int) (*http.Response, error) {
	for i := range path {
		path[i] = url.PathEscape(path[i])
	}
	u := c.base + "/" + strings.Join(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" || c.pass != "" {
		req.SetBasicAuth(c.user, c.pass)
	}
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: cookieName, Value: c.cookie})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	accepted := false
	for _, code := range ok {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp, fromStatus(resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp, nil
}

// CreateInstance asks for a new instance ID owned by the Basic user.
func (c *client) CreateInstance(ctx context.Context) (string, error) {
	var out struct {
		Instance string `json:"instance"`
	}
	if _, err := c.do(ctx, http.MethodPost, []string{"instanceId"}, nil, nil, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.Instance, nil
}

// Cookie fetches the capability cookie of instance.
func (c *client) Cookie(ctx context.Context, instance string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, []string{"instanceId", instance}, nil, nil, nil, http.StatusNoContent)
	if err != nil {
		return "", err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == cookieName {
			c.cookie = ck.Value
			return ck.Value, nil
		}
	}
	return "", errors.New("response carried no instance cookie")
}

func (c *client) Register(ctx context.Context, instance, app string) (string, error) {
	return c.token(ctx, http.MethodPut, instance, app, http.StatusCreated)
}

func (c *client) Lookup(ctx context.Context, instance, app string) (string, error) {
	return c.token(ctx, http.MethodGet, instance, app, http.StatusOK)
}

func (c *client) token(ctx context.Context, method, instance, app string, expect int) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if _, err := c.do(ctx, method, []string{"registrations", instance, c.user, app}, nil, nil, &out, expect); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *client) Unregister(ctx context.Context, instance, app string) error {
	_, err := c.do(ctx, http.MethodDelete, []string{"registrations", instance, c.user, app}, nil, nil, nil, http.StatusNoContent)
	return err
}

func (c *client) DropInstance(ctx context.Context, instance string) error {
	_, err := c.do(ctx, http.MethodDelete, []string{"instanceId", instance}, nil, nil, nil, http.StatusNoContent)
	return err
}

// Next long-polls for the first message after last. A poll that times out
// returns nil, nil.
func (c *client) Next(ctx context.Context, instance string, last int64) (*model.Message, error) {
	var msg model.Message
	q := url.Values{"lastMessage": {strconv.FormatInt(last, 10)}}
	resp, err := c.do(ctx, http.MethodGet, []string{"nextMessage", instance}, q, nil, &msg, http.StatusOK, http.StatusNoContent)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	return &msg, nil
}

// Send enqueues data for token as the app named by the Basic user.
func (c *client) Send(ctx context.Context, token string, collapse *string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("%w: data is not valid JSON", errs.ErrMalformed)
	}
	body := struct {
		Data       json.RawMessage `json:"data"`
		CollapseID *string         `json:"collapseId,omitempty"`
	}{Data: data, CollapseID: collapse}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, []string{"messageQueue", token}, nil, b, nil, http.StatusNoContent)
	return err
}
