package services

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/mattn/go-sqlite3"
	"github.com/zCloak-Network/sbt-api/models"
	"go.uber.org/zap"
)

// signers holds the identities recovered from a mint request's two
// signatures. Recovery is pure, so it happens before the write lock is taken.
type signers struct {
	attester    models.Identity
	attesterErr error
	verifier    models.Identity
	verifierErr error
}

// Mint issues a token to record.Recipient once the attester and a
// whitelisted verifier have both signed the record.
//
// Malformed records are rejected with a ValidationError before any check.
// The checks run in a fixed order and the first failing one is returned:
// MintDisabled, VCAlreadyExpired, AttesterSignatureInvalid, AlreadyMint,
// DigestAlreadyRevoked, VerifierNotInWhitelist, MintInfoInvalid.
func (s *Service) Mint(record *models.CredentialRecord, verifierSig []byte) (models.TokenID, error) {
	if record == nil {
		return models.TokenID{}, &ValidationError{"missing credential record"}
	}
	if err := record.Validate(); err != nil {
		return models.TokenID{}, &ValidationError{err.Error()}
	}

	var sg signers
	sg.attester, sg.attesterErr = s.domain.RecoverAttester(record)
	sg.verifier, sg.verifierErr = s.domain.RecoverVerifier(record, verifierSig)

	var id models.TokenID
	err := s.update(func(tx *sql.Tx) error {
		var err error
		id, err = s.mint(tx, record, &sg)
		return err
	})
	if err != nil {
		var le *LedgerError
		if errors.As(err, &le) {
			s.logger.Warn("Rejected mint",
				zap.String("reason", le.Code()),
				zap.String("recipient", record.Recipient.Hex()),
				zap.String("attester", record.Attester.Hex()),
				zap.String("verifier", record.Verifier.Hex()),
				zap.String("digest", record.Digest.Hex()),
			)
			s.m.Counter("mint_rejected_" + le.Code()).Inc()
		}
		return models.TokenID{}, err
	}
	return id, nil
}

func (s *Service) mint(tx *sql.Tx, record *models.CredentialRecord, sg *signers) (models.TokenID, error) {
	open, err := s.mintOpen(tx)
	if err != nil {
		return models.TokenID{}, err
	}
	if !open {
		return models.TokenID{}, ErrMintDisabled
	}

	if record.Expired(s.nowMs()) {
		return models.TokenID{}, ErrVCAlreadyExpired
	}

	// An attester without a key fails here too: the blank identity is never
	// a recovered signer.
	key, err := s.assertionKeyOf(tx, record.Attester)
	if err != nil {
		return models.TokenID{}, err
	}
	if models.IsBlank(key) || sg.attesterErr != nil || sg.attester != key {
		return models.TokenID{}, ErrAttesterSignatureInvalid
	}

	id := record.TokenID()
	existing, err := s.token(tx, id)
	if err != nil && !errors.Is(err, &NotFoundError{}) {
		return models.TokenID{}, err
	}
	if existing != nil && existing.Exists {
		return models.TokenID{}, ErrAlreadyMint
	}

	revoked, err := s.isRevoked(tx, record.Attester, record.Digest)
	if err != nil {
		return models.TokenID{}, err
	}
	if revoked {
		return models.TokenID{}, ErrDigestAlreadyRevoked
	}

	whitelisted, err := s.isWhitelisted(tx, record.Verifier)
	if err != nil {
		return models.TokenID{}, err
	}
	if !whitelisted {
		return models.TokenID{}, ErrVerifierNotInWhitelist
	}

	if sg.verifierErr != nil || sg.verifier != record.Verifier {
		return models.TokenID{}, ErrMintInfoInvalid
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return models.TokenID{}, err
	}
	_, err = tx.Stmt(s.stmts.insertToken).Exec(
		id.Bytes(),
		record.Recipient.Bytes(),
		record.Attester.Bytes(),
		record.Digest.Bytes(),
		s.clock.Now().Unix(),
		string(encoded),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return models.TokenID{}, ErrAlreadyMint
	}
	if err != nil {
		return models.TokenID{}, err
	}

	recipient := record.Recipient
	if _, err := s.emit(tx, &models.Event{
		Type:      models.MintSuccess,
		Recipient: &recipient,
		TokenID:   &id,
	}); err != nil {
		return models.TokenID{}, err
	}

	s.logger.Info("Minted token",
		zap.String("tokenID", id.Hex()),
		zap.String("recipient", recipient.Hex()),
		zap.String("attester", record.Attester.Hex()),
		zap.String("verifier", record.Verifier.Hex()),
	)
	s.m.Counter("mint_success").Inc()
	return id, nil
}
