package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zCloak-Network/sbt-api/eip712"
	"github.com/zCloak-Network/sbt-api/models"
	"github.com/zCloak-Network/sbt-api/services"
)

// Request bodies larger than this are rejected.
const maxRequestBytes = 16 * 1024

type response struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	Code  string      `json:"code,omitempty"`
}

type decodingError struct {
	status int
	msg    string
}

func (br *decodingError) Error() string {
	return br.msg
}

type MintRequest struct {
	Record            *models.CredentialRecord `json:"record"`
	VerifierSignature hexutil.Bytes            `json:"verifierSignature"`
}

type MintResponse struct {
	TokenID models.TokenID `json:"tokenId"`
}

// SignedRequest carries a JSON request document and its eth_sign signature.
type SignedRequest struct {
	Msg string        `json:"msg"`
	Sig hexutil.Bytes `json:"sig"`
}

type MintingResponse struct {
	Open bool `json:"open"`
}

type WhitelistResponse struct {
	Identity    models.Identity `json:"identity"`
	Whitelisted bool            `json:"whitelisted"`
}

type AssertionMethodResponse struct {
	Attester models.Identity `json:"attester"`
	Key      models.Identity `json:"key"`
}

type RevokeResponse struct {
	Attester models.Identity  `json:"attester"`
	TokenIDs []models.TokenID `json:"tokenIds"`
}

type RevocationResponse struct {
	Attester models.Identity `json:"attester"`
	Digest   common.Hash     `json:"digest"`
	Revoked  bool            `json:"revoked"`
}

type TokenResponse struct {
	*models.Token
	URI string `json:"uri,omitempty"`
}

type ExistsResponse struct {
	TokenID models.TokenID `json:"tokenId"`
	Exists  bool           `json:"exists"`
}

type BalanceResponse struct {
	Owner   models.Identity `json:"owner"`
	Balance uint64          `json:"balance"`
}

type TokenIdentityResponse struct {
	TokenID models.TokenID `json:"tokenId"`
	Serial  uint64         `json:"serial"`
}

type DomainResponse struct {
	eip712.Domain
	Separator    common.Hash     `json:"separator"`
	Admin        models.Identity `json:"admin"`
	OutputLength int             `json:"outputLength"`
}

type EventsResponse struct {
	Events []models.Event `json:"events"`
}

func readJSONRequest(w http.ResponseWriter, r *http.Request, req interface{}) error {
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		const msg = "Content-Type is not application/json"
		return &decodingError{status: http.StatusUnsupportedMediaType, msg: msg}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	err = dec.Decode(req)
	if err != nil || dec.Decode(&struct{}{}) != io.EOF {
		const msg = "invalid or multiple JSON objects in request body"
		return &decodingError{status: http.StatusBadRequest, msg: msg}
	}
	return nil
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}, err string, code string) error {
	resp, merr := json.Marshal(response{Data: data, Error: err, Code: code})
	if merr != nil {
		return merr
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, e := w.Write(resp)
	return e
}

func writeJSONError(w http.ResponseWriter, err error) error {
	var de *decodingError
	var le *services.LedgerError
	switch {
	case errors.As(err, &de):
		return writeJSONResponse(w, de.status, nil, de.msg, "")
	case errors.As(err, &le):
		return writeJSONResponse(w, http.StatusConflict, nil, le.Error(), le.Code())
	case errors.Is(err, &services.ValidationError{}):
		return writeJSONResponse(w, http.StatusBadRequest, nil, err.Error(), "")
	case errors.Is(err, &services.AuthenticationError{}):
		return writeJSONResponse(w, http.StatusUnauthorized, nil, err.Error(), "")
	case errors.Is(err, &services.AuthorizationError{}):
		return writeJSONResponse(w, http.StatusForbidden, nil, err.Error(), "")
	case errors.Is(err, &services.NotFoundError{}):
		return writeJSONResponse(w, http.StatusNotFound, nil, err.Error(), "")
	default:
		return writeJSONResponse(w, http.StatusInternalServerError, nil, "internal server error", "")
	}
}
