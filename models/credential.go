package models

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// OutputLength is the number of entries in a credential's output vector.
const OutputLength = 17

// VCVersion is the two-byte version tag of the credential format.
type VCVersion [2]byte

func (v VCVersion) MarshalText() ([]byte, error) {
	return hexutil.Bytes(v[:]).MarshalText()
}

func (v *VCVersion) UnmarshalText(input []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(input); err != nil {
		return err
	}
	if len(b) != len(v) {
		return fmt.Errorf("invalid vcVersion length %d, want %d", len(b), len(v))
	}
	copy(v[:], b)
	return nil
}

func (v VCVersion) Hex() string {
	return hexutil.Encode(v[:])
}

// CredentialRecord is everything an attester and a verifier sign off on
// before a token is minted. Timestamps are unix milliseconds; an
// ExpirationTimestamp of 0 never expires.
type CredentialRecord struct {
	Recipient           Identity      `json:"recipient"`
	CType               common.Hash   `json:"ctype"`
	ProgramHash         common.Hash   `json:"programHash"`
	Digest              common.Hash   `json:"digest"`
	Verifier            Identity      `json:"verifier"`
	Attester            Identity      `json:"attester"`
	AttesterSignature   hexutil.Bytes `json:"attesterSignature"`
	Output              []uint64      `json:"output"`
	IssuanceTimestamp   uint64        `json:"issuanceTimestamp"`
	ExpirationTimestamp uint64        `json:"expirationTimestamp"`
	VCVersion           VCVersion     `json:"vcVersion"`
	SBTLink             string        `json:"sbtLink"`
}

// Validate checks the parts of the record no signature can vouch for.
func (r *CredentialRecord) Validate() error {
	if len(r.Output) != OutputLength {
		return fmt.Errorf("output has %d entries, want %d", len(r.Output), OutputLength)
	}
	return nil
}

// Expired reports whether the record expired at or before nowMs.
func (r *CredentialRecord) Expired(nowMs uint64) bool {
	return r.ExpirationTimestamp != 0 && r.ExpirationTimestamp <= nowMs
}

// TokenID returns the identity of the token this record would mint.
func (r *CredentialRecord) TokenID() TokenID {
	return TokenIdentityOf(r.Digest, r.Attester, r.ProgramHash, r.CType)
}
