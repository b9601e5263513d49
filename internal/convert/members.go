// Package convert maps domain entities to and from their stored and wire forms.
package convert

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/and161185/pushrelay/internal/errs"
	"github.com/and161185/pushrelay/internal/model"
)

// --- store members ---

// QueueMember encodes a message as a queue member.
func QueueMember(m model.Message) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode message %d: %w", m.ID, err)
	}
	return string(b), nil
}

// FromQueueMember decodes a queue member.
func FromQueueMember(s string) (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return model.Message{}, fmt.Errorf("decode queue member: %w", err)
	}
	return m, nil
}

// RegistrationMember encodes a registration as a set member.
func RegistrationMember(r model.Registration) string {
	b, _ := json.Marshal(r) // two strings never fail
	return string(b)
}

// FromRegistrationMember decodes a registration set member.
func FromRegistrationMember(s string) (model.Registration, error) {
	var r model.Registration
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return model.Registration{}, fmt.Errorf("decode registration member: %w", err)
	}
	return r, nil
}

// CollapseMember encodes a collapse-index entry. Equal entries always
// encode to the same member, so the lookup is an exact ZScore.
func CollapseMember(e model.CollapseEntry) string {
	if e.Key != nil {
		e.Seq = 0
	}
	b, _ := json.Marshal(e)
	return string(b)
}

// FromCollapseMember decodes a collapse-index entry.
func FromCollapseMember(s string) (model.CollapseEntry, error) {
	var e model.CollapseEntry
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return model.CollapseEntry{}, fmt.Errorf("decode collapse member: %w", err)
	}
	return e, nil
}

// --- wire ---

// Push is a decoded enqueue request body.
type Push struct {
	CollapseKey *string
	Data        json.RawMessage
}

// FromPushBody validates an enqueue body: a JSON object with a data member
// and an optional string or numeric collapseId. Numbers keep their literal
// text so that "5" and 5 collapse together.
func FromPushBody(body []byte) (Push, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		return Push{}, fmt.Errorf("%w: body must be a JSON object", errs.ErrMalformed)
	}
	data, ok := raw["data"]
	if !ok {
		return Push{}, fmt.Errorf("%w: missing data", errs.ErrMalformed)
	}

	p := Push{Data: data}
	cid, ok := raw["collapseId"]
	if !ok {
		return p, nil
	}
	cid = bytes.TrimSpace(cid)
	switch {
	case len(cid) > 0 && cid[0] == '"':
		var s string
		if err := json.Unmarshal(cid, &s); err != nil {
			return Push{}, fmt.Errorf("%w: collapseId: %v", errs.ErrMalformed, err)
		}
		p.CollapseKey = &s
	case bytes.Equal(cid, []byte("null")):
		// same as absent
	default:
		var n json.Number
		if err := json.Unmarshal(cid, &n); err != nil {
			return Push{}, fmt.Errorf("%w: collapseId must be a string or number", errs.ErrMalformed)
		}
		s := n.String()
		p.CollapseKey = &s
	}
	return p, nil
}
