package services

import (
	"database/sql"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zCloak-Network/sbt-api/models"
	"go.uber.org/zap"
)

// Revoke marks digest as revoked for the calling attester and burns every
// live token the attester authorized for that digest, whatever its program
// hash or credential type. It returns the burned token identities.
//
// Revoking an already revoked digest succeeds, burns nothing and emits no
// event. Revoking a digest nothing was minted for yet emits RevokeSuccess
// with an empty list and blocks future mints of it.
func (s *Service) Revoke(caller models.Identity, digest common.Hash) ([]models.TokenID, error) {
	var burned []models.TokenID
	err := s.update(func(tx *sql.Tx) error {
		var err error
		burned, err = s.revoke(tx, caller, digest)
		return err
	})
	if err != nil {
		return nil, err
	}
	return burned, nil
}

func (s *Service) revoke(tx *sql.Tx, caller models.Identity, digest common.Hash) ([]models.TokenID, error) {
	res, err := tx.Stmt(s.stmts.addRevocation).Exec(caller.Bytes(), digest.Bytes(), s.clock.Now().Unix())
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// A digest can only be minted for while it is not revoked, so there
		// is nothing left to burn.
		s.logger.Info("Digest already revoked",
			zap.String("attester", caller.Hex()),
			zap.String("digest", digest.Hex()),
		)
		s.m.Counter("revoke_repeated").Inc()
		return []models.TokenID{}, nil
	}

	burned, err := s.liveTokens(tx, caller, digest)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Stmt(s.stmts.burnTokens).Exec(caller.Bytes(), digest.Bytes()); err != nil {
		return nil, err
	}

	ev := &models.Event{
		Type:     models.RevokeSuccess,
		Attester: &caller,
		TokenIDs: burned,
	}
	if _, err := s.emit(tx, ev); err != nil {
		return nil, err
	}

	s.logger.Info("Revoked digest",
		zap.String("attester", caller.Hex()),
		zap.String("digest", digest.Hex()),
		zap.Int("burned", len(burned)),
	)
	s.m.Counter("revoke_success").Inc()
	return burned, nil
}

func (s *Service) liveTokens(tx *sql.Tx, attester models.Identity, digest common.Hash) ([]models.TokenID, error) {
	rows, err := tx.Stmt(s.stmts.liveTokens).Query(attester.Bytes(), digest.Bytes())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]models.TokenID, 0)
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, common.BytesToHash(id))
	}
	return ids, rows.Err()
}

// IsRevoked reports whether attester revoked digest.
func (s *Service) IsRevoked(attester models.Identity, digest common.Hash) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var n int
	err := s.stmts.isRevoked.QueryRow(attester.Bytes(), digest.Bytes()).Scan(&n)
	return n > 0, err
}

func (s *Service) isRevoked(tx *sql.Tx, attester models.Identity, digest common.Hash) (bool, error) {
	var n int
	err := tx.Stmt(s.stmts.isRevoked).QueryRow(attester.Bytes(), digest.Bytes()).Scan(&n)
	return n > 0, err
}
