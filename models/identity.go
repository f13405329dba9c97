package models

import (
	"github.com/ethereum/go-ethereum/common"
)

// Identity is an account address: an attester, a verifier, a recipient or an
// assertion key.
type Identity = common.Address

// BlankIdentity is returned for unset assertion keys and missing owners.
// It never matches a recovered signer.
var BlankIdentity = Identity{}

// IsBlank reports whether id is the zero address.
func IsBlank(id Identity) bool {
	return id == BlankIdentity
}
