package protocol

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Methods of the session module.
const (
	MethodSessionNew         = "session.new"
	MethodSessionStatus      = "session.status"
	MethodSessionSubscribe   = "session.subscribe"
	MethodSessionUnsubscribe = "session.unsubscribe"
	MethodSessionEnd         = "session.end"
)

// SubscribeParams is session.subscribe's parameter object. A nil Contexts
// means the field was omitted; an empty non-nil slice was sent as [].
type SubscribeParams struct {
	Events   []string `json:"events"`
	Contexts []string `json:"contexts,omitempty"`
}

// UnmarshalJSON rejects "contexts": null, which would otherwise decode the
// same as an omitted field and subscribe globally.
func (p *SubscribeParams) UnmarshalJSON(data []byte) error {
	if err := rejectNull(data, "events", "contexts"); err != nil {
		return err
	}
	type plain SubscribeParams
	return json.Unmarshal(data, (*plain)(p))
}

type SubscribeResult struct {
	Subscription string `json:"subscription"`
}

// UnsubscribeParams covers both request shapes. When Subscriptions is
// present the call removes by id and the other fields are ignored.
type UnsubscribeParams struct {
	Events        []string `json:"events,omitempty"`
	Contexts      []string `json:"contexts,omitempty"`
	Subscriptions []string `json:"subscriptions,omitempty"`
}

// UnmarshalJSON rejects null list fields so that "subscriptions": null
// cannot fall through to attribute mode.
func (p *UnsubscribeParams) UnmarshalJSON(data []byte) error {
	if err := rejectNull(data, "events", "contexts", "subscriptions"); err != nil {
		return err
	}
	type plain UnsubscribeParams
	return json.Unmarshal(data, (*plain)(p))
}

// rejectNull fails when any of keys is present in the object with a null
// value.
func rejectNull(data []byte, keys ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if v = bytes.TrimSpace(v); len(v) == 0 || bytes.Equal(v, []byte("null")) {
			return fmt.Errorf("%s must be a list of strings, got null", key)
		}
	}
	return nil
}

type NewSessionParams struct {
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

type NewSessionResult struct {
	SessionID    string         `json:"sessionId"`
	Capabilities map[string]any `json:"capabilities"`
}

type StatusResult struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

// ContextInfo is the payload of browsingContext.contextCreated and
// browsingContext.contextDestroyed.
type ContextInfo struct {
	Context     string  `json:"context"`
	Parent      *string `json:"parent"`
	URL         string  `json:"url"`
	UserContext string  `json:"userContext"`
}
