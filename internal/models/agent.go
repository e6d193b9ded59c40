package models

import "time"

// Agent is a registered protocol participant.
type Agent struct {
	DID          string    `json:"did"`
	PublicKey    string    `json:"public_key"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
