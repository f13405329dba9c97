package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mattn/go-sqlite3"
	"github.com/zCloak-Network/sbt-api/models"
	authz "github.com/zCloak-Network/sbt-api/models/authorization"
	"github.com/zCloak-Network/sbt-api/util"
	"go.uber.org/zap"
)

// SignedRequest is the message a caller signs, eth_sign style, to perform
// a state-changing call. Only the arguments of Action may be set.
type SignedRequest struct {
	Action    authz.Action `json:"action"`
	Timestamp int64        `json:"timestamp"`

	// modifyWhitelist
	Add        *bool             `json:"add,omitempty"`
	Identities []models.Identity `json:"identities,omitempty"`
	// setAssertionMethod
	Key *models.Identity `json:"key,omitempty"`
	// revoke
	Digest *common.Hash `json:"digest,omitempty"`
}

// authenticatedRequest is a parsed request together with its signer.
type authenticatedRequest struct {
	*SignedRequest
	caller models.Identity
	hash   common.Hash
}

func (s *Service) parseRequest(msg []byte, action authz.Action) (*SignedRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.DisallowUnknownFields()
	var req SignedRequest
	if err := dec.Decode(&req); err != nil || dec.Decode(&struct{}{}) != io.EOF {
		s.m.Counter("invalid_request").Inc()
		return nil, &ValidationError{"invalid request message"}
	}
	if req.Action != action {
		s.m.Counter("invalid_request").Inc()
		return nil, &ValidationError{fmt.Sprintf("request is for action %q, not %q", req.Action, action)}
	}

	switch action {
	case authz.ModifyWhitelist:
		if req.Add == nil || req.Key != nil || req.Digest != nil {
			return nil, &ValidationError{"modifyWhitelist takes add and identities"}
		}
	case authz.SetAssertionMethod:
		if req.Key == nil || req.Add != nil || req.Identities != nil || req.Digest != nil {
			return nil, &ValidationError{"setAssertionMethod takes key"}
		}
	case authz.Revoke:
		if req.Digest == nil || req.Add != nil || req.Identities != nil || req.Key != nil {
			return nil, &ValidationError{"revoke takes digest"}
		}
	case authz.ToggleMinting:
		if req.Add != nil || req.Identities != nil || req.Key != nil || req.Digest != nil {
			return nil, &ValidationError{"toggleMinting takes no arguments"}
		}
	}
	return &req, nil
}

func (s *Service) checkRequestAge(req *SignedRequest) error {
	ts := time.Unix(req.Timestamp, 0)
	age := s.clock.Since(ts)
	if age > s.requestMaxAge {
		s.m.Counter("timestamp_too_old").Inc()
		return &AuthenticationError{"timestamp is too old"}
	}
	if age < -s.requestMaxAge {
		s.m.Counter("timestamp_in_future").Inc()
		return &AuthenticationError{"timestamp is in the future"}
	}
	return nil
}

func (s *Service) getCaller(msg []byte, sig []byte) (models.Identity, error) {
	caller, err := util.RecoverAddressFromSignature(msg, sig)
	if err != nil {
		msg := "failed to recover caller from signature"
		s.logger.Warn(msg, zap.Error(err))
		s.m.Counter("failed_auth").Inc()
		return models.BlankIdentity, &AuthenticationError{msg}
	}
	s.logger.Debug("Recovered caller from signature", zap.String("caller", caller.Hex()))
	return *caller, nil
}

func (s *Service) checkAuthorization(caller models.Identity, action authz.Action) error {
	role, ok := authz.RoleFor(action)
	if !ok {
		return &ValidationError{fmt.Sprintf("unknown action %q", action)}
	}
	if role == authz.Admin {
		return s.requireAdmin(caller)
	}
	return nil
}

// authenticate validates a signed request for action and returns it with
// the recovered caller.
func (s *Service) authenticate(msg []byte, sig []byte, action authz.Action) (*authenticatedRequest, error) {
	req, err := s.parseRequest(msg, action)
	if err != nil {
		return nil, err
	}
	if err := s.checkRequestAge(req); err != nil {
		return nil, err
	}
	caller, err := s.getCaller(msg, sig)
	if err != nil {
		return nil, err
	}
	if err := s.checkAuthorization(caller, action); err != nil {
		return nil, err
	}
	return &authenticatedRequest{
		SignedRequest: req,
		caller:        caller,
		hash:          crypto.Keccak256Hash(msg),
	}, nil
}

// consume records the request as used and forgets requests too old to be
// accepted again.
func (s *Service) consume(tx *sql.Tx, req *authenticatedRequest) error {
	now := s.clock.Now()
	if _, err := tx.Stmt(s.stmts.pruneRequests).Exec(now.Add(-2 * s.requestMaxAge).Unix()); err != nil {
		return err
	}
	_, err := tx.Stmt(s.stmts.useRequest).Exec(req.hash.Bytes(), now.Unix())
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		s.m.Counter("replayed_request").Inc()
		return &AuthenticationError{"request has already been used"}
	}
	return err
}

// ToggleMintingFromRequest performs a signed toggleMinting request.
func (s *Service) ToggleMintingFromRequest(msg []byte, sig []byte) (bool, error) {
	req, err := s.authenticate(msg, sig, authz.ToggleMinting)
	if err != nil {
		return false, err
	}
	var open bool
	err = s.update(func(tx *sql.Tx) error {
		if err := s.consume(tx, req); err != nil {
			return err
		}
		open, err = s.toggleMinting(tx, req.caller)
		return err
	})
	return open, err
}

// ModifyWhitelistFromRequest performs a signed modifyWhitelist request.
func (s *Service) ModifyWhitelistFromRequest(msg []byte, sig []byte) error {
	req, err := s.authenticate(msg, sig, authz.ModifyWhitelist)
	if err != nil {
		return err
	}
	return s.update(func(tx *sql.Tx) error {
		if err := s.consume(tx, req); err != nil {
			return err
		}
		return s.modifyWhitelist(tx, req.caller, *req.Add, req.Identities)
	})
}

// SetAssertionMethodFromRequest registers the key named in a signed request
// for the request's signer, and returns the signer.
func (s *Service) SetAssertionMethodFromRequest(msg []byte, sig []byte) (models.Identity, error) {
	req, err := s.authenticate(msg, sig, authz.SetAssertionMethod)
	if err != nil {
		return models.BlankIdentity, err
	}
	err = s.update(func(tx *sql.Tx) error {
		if err := s.consume(tx, req); err != nil {
			return err
		}
		return s.setAssertionMethod(tx, req.caller, *req.Key)
	})
	if err != nil {
		return models.BlankIdentity, err
	}
	return req.caller, nil
}

// RevokeFromRequest revokes the digest named in a signed request on behalf
// of the request's signer.
func (s *Service) RevokeFromRequest(msg []byte, sig []byte) (models.Identity, []models.TokenID, error) {
	req, err := s.authenticate(msg, sig, authz.Revoke)
	if err != nil {
		return models.BlankIdentity, nil, err
	}
	var burned []models.TokenID
	err = s.update(func(tx *sql.Tx) error {
		if err := s.consume(tx, req); err != nil {
			return err
		}
		burned, err = s.revoke(tx, req.caller, *req.Digest)
		return err
	})
	if err != nil {
		return models.BlankIdentity, nil, err
	}
	return req.caller, burned, nil
}
