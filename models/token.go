package models

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenID identifies at most one token. It is derived from the credential
// tuple, never assigned.
type TokenID = common.Hash

var tokenIdentityArgs = abi.Arguments{
	{Name: "digest", Type: mustNewType("bytes32")},
	{Name: "attester", Type: mustNewType("address")},
	{Name: "programHash", Type: mustNewType("bytes32")},
	{Name: "ctype", Type: mustNewType("bytes32")},
}

func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// TokenIdentityOf derives keccak256(abi.encode(digest, attester, programHash, ctype)).
func TokenIdentityOf(digest common.Hash, attester Identity, programHash common.Hash, ctype common.Hash) TokenID {
	packed, err := tokenIdentityArgs.Pack(digest, attester, programHash, ctype)
	if err != nil {
		// All four arguments are fixed-size values of the declared types.
		panic(err)
	}
	return crypto.Keccak256Hash(packed)
}

// Token is a non-transferable credential token. Exists turns false when the
// attester revokes the digest it was minted for.
type Token struct {
	ID       TokenID          `json:"id"`
	Serial   uint64           `json:"serial"`
	Owner    Identity         `json:"owner"`
	Exists   bool             `json:"exists"`
	MintedAt int64            `json:"mintedAt"`
	Record   CredentialRecord `json:"record"`
}
