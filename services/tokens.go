package services

import (
	"database/sql"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zCloak-Network/sbt-api/models"
)

func scanToken(id models.TokenID, row *sql.Row) (*models.Token, error) {
	var owner []byte
	var record string
	var live int
	t := &models.Token{ID: id}
	err := row.Scan(&t.Serial, &owner, &live, &t.MintedAt, &record)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{"token not found"}
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(record), &t.Record); err != nil {
		return nil, err
	}
	t.Owner = common.BytesToAddress(owner)
	t.Exists = live == 1
	return t, nil
}

// Token returns the token with the given identity, burned or not.
func (s *Service) Token(id models.TokenID) (*models.Token, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return scanToken(id, s.stmts.getToken.QueryRow(id.Bytes()))
}

func (s *Service) token(tx *sql.Tx, id models.TokenID) (*models.Token, error) {
	return scanToken(id, tx.Stmt(s.stmts.getToken).QueryRow(id.Bytes()))
}

// Exists reports whether a live token with the given identity exists.
func (s *Service) Exists(id models.TokenID) (bool, error) {
	t, err := s.Token(id)
	if _, ok := err.(*NotFoundError); ok {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.Exists, nil
}

// OwnerOf returns the owner of a live token. ok is false for burned or
// unknown tokens.
func (s *Service) OwnerOf(id models.TokenID) (owner models.Identity, ok bool, err error) {
	t, err := s.Token(id)
	if _, notFound := err.(*NotFoundError); notFound {
		return models.BlankIdentity, false, nil
	}
	if err != nil {
		return models.BlankIdentity, false, err
	}
	if !t.Exists {
		return models.BlankIdentity, false, nil
	}
	return t.Owner, true, nil
}

// TokenURI returns the link to the credential behind a live token.
func (s *Service) TokenURI(id models.TokenID) (string, error) {
	t, err := s.Token(id)
	if err != nil {
		return "", err
	}
	if !t.Exists {
		return "", &NotFoundError{"token has been burned"}
	}
	return t.Record.SBTLink, nil
}

// BalanceOf counts the live tokens owned by owner.
func (s *Service) BalanceOf(owner models.Identity) (uint64, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var n uint64
	err := s.stmts.balanceOf.QueryRow(owner.Bytes()).Scan(&n)
	return n, err
}

// TokenIdentityOf derives the identity a token minted for the tuple would have.
func (s *Service) TokenIdentityOf(digest common.Hash, attester models.Identity, programHash common.Hash, ctype common.Hash) models.TokenID {
	return models.TokenIdentityOf(digest, attester, programHash, ctype)
}

// SerialOf returns the issuance serial of the token minted for the tuple,
// or 0 if none was ever minted.
func (s *Service) SerialOf(digest common.Hash, attester models.Identity, programHash common.Hash, ctype common.Hash) (uint64, error) {
	id := models.TokenIdentityOf(digest, attester, programHash, ctype)

	s.lock.RLock()
	defer s.lock.RUnlock()

	var serial uint64
	err := s.stmts.getSerial.QueryRow(id.Bytes()).Scan(&serial)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return serial, err
}
