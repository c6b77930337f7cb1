package relay

import "encoding/json"

const (
	TypeJoin   = "join"
	TypeSignal = "signal"
)

// Message is what clients send to the relay.
type Message struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Delivery is what the relay forwards to the addressed client.
type Delivery struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

type Stats struct {
	Peers     int `json:"peers"`
	Mailboxes int `json:"mailboxes"`
	Queued    int `json:"queued"`
}
