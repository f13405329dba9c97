package util

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/secp256k1"
)

// ErrInvalidSignatureValues is returned for signatures whose R or S is out of
// range, including the high-S twin of a valid signature.
var ErrInvalidSignatureValues = errors.New("invalid signature values")

type Wallet struct {
	Address *common.Address
	Key     *ecdsa.PrivateKey
}

// Recovers the address of the signer from a message and signature.
// Expects a signature in the format returned by eth_sign:
// https://ethereum.org/en/developers/docs/apis/json-rpc/#eth_sign
// Signed API requests use this format.
func RecoverAddressFromSignature(msg []byte, sig []byte) (*common.Address, error) {
	return RecoverAddressFromHash(accounts.TextHash(msg), sig)
}

// Recovers the address of the signer of a 32-byte digest, such as an EIP-712
// typed data hash. The signature must be [R || S || V].
func RecoverAddressFromHash(hash []byte, sig []byte) (*common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, secp256k1.ErrInvalidSignatureLen
	}

	// Work on a copy, callers may share the signature between goroutines.
	rsv := make([]byte, crypto.SignatureLength)
	copy(rsv, sig)
	v := &rsv[crypto.RecoveryIDOffset]

	// According to the Ethereum Yellow Paper, the signature format must be
	// [R || S || V], and V (the Recovery ID) must be 27 or 28. This was apparently
	// inherited from Bitcoin.
	// Internally, V is 0 or 1, so we subtract 27 to get the actual recovery ID.
	// References:
	// - https://github.com/ethereum/go-ethereum/issues/19751#issuecomment-504900739
	// - https://ethereum.github.io/yellowpaper/paper.pdf, page 22, Appendix E., (213)
	//
	// Wallets and signing libraries also produce V=0 or 1. In those cases
	// the recovery ID is used as is.
	switch *v {
	case 27, 28:
		*v -= 27
	case 0, 1:
		// Do nothing.
	default:
		return nil, fmt.Errorf("invalid recovery ID: %d", *v)
	}

	// Only the low-S form is accepted, so every signature has one encoding.
	r := new(big.Int).SetBytes(rsv[:32])
	s := new(big.Int).SetBytes(rsv[32:64])
	if !crypto.ValidateSignatureValues(*v, r, s, true) {
		return nil, ErrInvalidSignatureValues
	}

	pubKey, err := crypto.SigToPub(hash, rsv)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(*pubKey)
	return &address, nil
}

// Generates a new wallet with a random private key.
func NewWallet() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return &Wallet{
		Address: &address,
		Key:     key,
	}, nil
}

// Signs a message with the wallet's private key.
// Return a signature in the format used by eth_sign.
// See RecoverAddressFromSignature() for more details.
func (w *Wallet) Sign(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.Key)
	if err != nil {
		return nil, err
	}

	// Change V from 0/1 to 27/28 to match the Ethereum Yellow Paper.
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Signs a 32-byte digest as is. V is left as 0/1, which is what the
// typed data signers in the field produce.
func (w *Wallet) SignHash(hash []byte) ([]byte, error) {
	return crypto.Sign(hash, w.Key)
}
