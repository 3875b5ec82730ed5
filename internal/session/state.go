package session

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/bidi-relay/backend/internal/subscription"
)

// Kind is how a session was created, which decides how it may be ended.
type Kind int

const (
	// BiDi sessions are created with session.new over a WebSocket and live
	// as long as that connection.
	BiDi Kind = iota
	// Classic sessions are created over HTTP and attached to through their
	// webSocketUrl. They outlive connections and are deleted over HTTP.
	Classic
)

var kindNames = map[Kind]string{
	BiDi:    "bidi",
	Classic: "classic",
}

var kindFromName = map[string]Kind{
	"bidi":    BiDi,
	"classic": Classic,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// Info is a point-in-time copy of a session's state, safe to retain.
type Info struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	CreatedAt     time.Time `json:"createdAt"`
	Attached      bool      `json:"attached"`
	Ended         bool      `json:"ended"`
	Subscriptions int       `json:"subscriptions"`
	Listeners     int       `json:"listeners"`
	Delivered     uint64    `json:"delivered"`
	Dropped       uint64    `json:"dropped"`
}

// Detail adds the live subscription records to Info.
type Detail struct {
	Info
	Records  []subscription.Snapshot `json:"records"`
	KnownIDs []string                `json:"knownIds"`
}
