// Package eip712 encodes the two payloads signed before a credential token is
// minted, and recovers their signers.
//
// Both payloads are EIP-712 typed data under the same domain. The attester
// signs an Attestation, which leaves out the attester's own address and
// signature. The verifier signs a MintInfo, which covers the complete record,
// attester signature included.
package eip712

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/zCloak-Network/sbt-api/models"
	"github.com/zCloak-Network/sbt-api/util"
)

const (
	AttestationType = "Attestation"
	MintInfoType    = "MintInfo"
)

var ErrInvalidDomain = errors.New("invalid signing domain")

// Domain is the domain separation material. It is fixed when the ledger is
// first initialized.
type Domain struct {
	Name              string         `json:"name"`
	Version           string         `json:"version"`
	ChainID           uint64         `json:"chainId"`
	VerifyingContract common.Address `json:"verifyingContract"`
}

func (d Domain) Validate() error {
	if d.Name == "" || d.Version == "" || d.ChainID == 0 {
		return ErrInvalidDomain
	}
	return nil
}

func (d Domain) typedDataDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              d.Name,
		Version:           d.Version,
		ChainId:           (*math.HexOrDecimal256)(new(big.Int).SetUint64(d.ChainID)),
		VerifyingContract: d.VerifyingContract.Hex(),
	}
}

// Separator returns the EIP-712 domain separator.
func (d Domain) Separator() (common.Hash, error) {
	td := apitypes.TypedData{Types: types, Domain: d.typedDataDomain()}
	h, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

var types = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	AttestationType: {
		{Name: "recipient", Type: "address"},
		{Name: "ctype", Type: "bytes32"},
		{Name: "programHash", Type: "bytes32"},
		{Name: "digest", Type: "bytes32"},
		{Name: "verifier", Type: "address"},
		{Name: "output", Type: "uint64[]"},
		{Name: "issuanceTimestamp", Type: "uint64"},
		{Name: "expirationTimestamp", Type: "uint64"},
		{Name: "vcVersion", Type: "bytes2"},
	},
	MintInfoType: {
		{Name: "recipient", Type: "address"},
		{Name: "ctype", Type: "bytes32"},
		{Name: "programHash", Type: "bytes32"},
		{Name: "digest", Type: "bytes32"},
		{Name: "verifier", Type: "address"},
		{Name: "attester", Type: "address"},
		{Name: "attesterSignature", Type: "bytes"},
		{Name: "output", Type: "uint64[]"},
		{Name: "issuanceTimestamp", Type: "uint64"},
		{Name: "expirationTimestamp", Type: "uint64"},
		{Name: "vcVersion", Type: "bytes2"},
		{Name: "sbtLink", Type: "string"},
	},
}

func outputValues(output []uint64) []interface{} {
	values := make([]interface{}, len(output))
	for i, o := range output {
		values[i] = new(big.Int).SetUint64(o)
	}
	return values
}

func attestationMessage(r *models.CredentialRecord) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"recipient":           r.Recipient.Hex(),
		"ctype":               r.CType.Hex(),
		"programHash":         r.ProgramHash.Hex(),
		"digest":              r.Digest.Hex(),
		"verifier":            r.Verifier.Hex(),
		"output":              outputValues(r.Output),
		"issuanceTimestamp":   new(big.Int).SetUint64(r.IssuanceTimestamp),
		"expirationTimestamp": new(big.Int).SetUint64(r.ExpirationTimestamp),
		"vcVersion":           r.VCVersion.Hex(),
	}
}

func mintInfoMessage(r *models.CredentialRecord) apitypes.TypedDataMessage {
	msg := attestationMessage(r)
	msg["attester"] = r.Attester.Hex()
	msg["attesterSignature"] = []byte(r.AttesterSignature)
	msg["sbtLink"] = r.SBTLink
	return msg
}

func (d Domain) hash(primaryType string, msg apitypes.TypedDataMessage) (common.Hash, error) {
	td := apitypes.TypedData{
		Types:       types,
		PrimaryType: primaryType,
		Domain:      d.typedDataDomain(),
		Message:     msg,
	}
	h, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(h), nil
}

// AttestationHash is the digest the attester's assertion key signs.
func (d Domain) AttestationHash(r *models.CredentialRecord) (common.Hash, error) {
	return d.hash(AttestationType, attestationMessage(r))
}

// MintInfoHash is the digest the verifier signs.
func (d Domain) MintInfoHash(r *models.CredentialRecord) (common.Hash, error) {
	return d.hash(MintInfoType, mintInfoMessage(r))
}

// RecoverAttester returns the key that signed the record's attestation.
func (d Domain) RecoverAttester(r *models.CredentialRecord) (models.Identity, error) {
	h, err := d.AttestationHash(r)
	if err != nil {
		return models.BlankIdentity, err
	}
	return recoverSigner(h, r.AttesterSignature)
}

// RecoverVerifier returns the identity that signed the record's mint info.
func (d Domain) RecoverVerifier(r *models.CredentialRecord, sig []byte) (models.Identity, error) {
	h, err := d.MintInfoHash(r)
	if err != nil {
		return models.BlankIdentity, err
	}
	return recoverSigner(h, sig)
}

func recoverSigner(h common.Hash, sig []byte) (models.Identity, error) {
	addr, err := util.RecoverAddressFromHash(h.Bytes(), sig)
	if err != nil {
		return models.BlankIdentity, err
	}
	return *addr, nil
}

// SignAttestation signs r's attestation with w and returns the signature.
func SignAttestation(d Domain, r *models.CredentialRecord, w *util.Wallet) (hexutil.Bytes, error) {
	h, err := d.AttestationHash(r)
	if err != nil {
		return nil, err
	}
	return w.SignHash(h.Bytes())
}

// SignMintInfo signs r's mint info with w and returns the signature.
func SignMintInfo(d Domain, r *models.CredentialRecord, w *util.Wallet) (hexutil.Bytes, error) {
	h, err := d.MintInfoHash(r)
	if err != nil {
		return nil, err
	}
	return w.SignHash(h.Bytes())
}
