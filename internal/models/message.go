package models

import "encoding/json"

// StoredMessage is an envelope accepted into the mailbox, tagged with a
// ULID. ULIDs sort by creation time, so the id doubles as the poll cursor.
type StoredMessage struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	Thread    string          `json:"thread"`
	Timestamp int64           `json:"ts"`
	Envelope  json.RawMessage `json:"envelope"`
}

// MessageQuery filters a mailbox read. Since is an exclusive ULID cursor.
type MessageQuery struct {
	Since  string
	Type   string
	Thread string
	Limit  int
}
