// Package model defines domain entities used by services and repositories.
package model

import "encoding/json"

// Message is a single queued notification, ordered by ID within its instance.
type Message struct {
	ID    int64           `json:"id"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// Registration binds one app to an instance through its token.
type Registration struct {
	Token   string `json:"token"`
	AppName string `json:"appname"`
}

// CollapseEntry is the collapse-index counterpart of a queued message.
// Key is nil for messages posted without a collapse id; Seq then carries
// the message id so keyless entries never coincide.
type CollapseEntry struct {
	Key     *string `json:"key,omitempty"`
	Seq     int64   `json:"seq,omitempty"`
	AppName string  `json:"app"`
}

// Collapsible reports whether the entry can be replaced by a later message.
func (c CollapseEntry) Collapsible() bool { return c.Key != nil }
