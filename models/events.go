package models

type EventType string

const (
	MintSuccess      EventType = "MintSuccess"
	RevokeSuccess    EventType = "RevokeSuccess"
	WhitelistAdded   EventType = "WhitelistAdded"
	WhitelistRemoved EventType = "WhitelistRemoved"
)

// Event is an entry of the ordered, append-only event log. Seq increases
// strictly in emission order.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	// MintSuccess
	Recipient *Identity `json:"recipient,omitempty"`
	TokenID   *TokenID  `json:"tokenId,omitempty"`

	// RevokeSuccess
	Attester *Identity `json:"attester,omitempty"`
	TokenIDs []TokenID `json:"tokenIds"`

	// WhitelistAdded, WhitelistRemoved
	Identities []Identity `json:"identities"`
}
