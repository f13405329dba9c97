package services

import (
	"database/sql"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zCloak-Network/sbt-api/models"
	"go.uber.org/zap"
)

func (s *Service) requireAdmin(caller models.Identity) error {
	if caller != s.admin {
		s.m.Counter("admin_denied").Inc()
		return &AuthorizationError{"caller is not the administrator"}
	}
	return nil
}

// ToggleMinting flips the mint switch and returns its new state.
// Only the administrator may call it.
func (s *Service) ToggleMinting(caller models.Identity) (bool, error) {
	var open bool
	err := s.update(func(tx *sql.Tx) error {
		var err error
		open, err = s.toggleMinting(tx, caller)
		return err
	})
	return open, err
}

func (s *Service) toggleMinting(tx *sql.Tx, caller models.Identity) (bool, error) {
	if err := s.requireAdmin(caller); err != nil {
		return false, err
	}
	open, err := s.mintOpen(tx)
	if err != nil {
		return false, err
	}
	open = !open
	value := []byte{0}
	if open {
		value[0] = 1
	}
	if _, err := tx.Stmt(s.stmts.putSetting).Exec(settingMintOpen, value); err != nil {
		return false, err
	}

	s.logger.Info("Toggled minting", zap.Bool("open", open))
	s.m.Counter("toggle_minting").Inc()
	return open, nil
}

func (s *Service) mintOpen(tx *sql.Tx) (bool, error) {
	var value []byte
	if err := tx.Stmt(s.stmts.getSetting).QueryRow(settingMintOpen).Scan(&value); err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// MintOpen reports whether minting is enabled.
func (s *Service) MintOpen() (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var value []byte
	if err := s.stmts.getSetting.QueryRow(settingMintOpen).Scan(&value); err != nil {
		return false, err
	}
	return len(value) == 1 && value[0] == 1, nil
}

// ModifyWhitelist adds (add == true) or removes verifiers. Entries already
// in the requested state are left alone, but the emitted event always
// carries identities exactly as given. Only the administrator may call it.
func (s *Service) ModifyWhitelist(caller models.Identity, add bool, identities []models.Identity) error {
	return s.update(func(tx *sql.Tx) error {
		return s.modifyWhitelist(tx, caller, add, identities)
	})
}

func (s *Service) modifyWhitelist(tx *sql.Tx, caller models.Identity, add bool, identities []models.Identity) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}

	stmt := tx.Stmt(s.stmts.removeVerifier)
	eventType := models.WhitelistRemoved
	if add {
		stmt = tx.Stmt(s.stmts.addVerifier)
		eventType = models.WhitelistAdded
	}
	defer stmt.Close()
	for _, id := range identities {
		if _, err := stmt.Exec(id.Bytes()); err != nil {
			return err
		}
	}

	literal := make([]models.Identity, len(identities))
	copy(literal, identities)
	if _, err := s.emit(tx, &models.Event{Type: eventType, Identities: literal}); err != nil {
		return err
	}

	s.logger.Info("Modified verifier whitelist",
		zap.Bool("add", add),
		zap.Int("count", len(identities)),
	)
	s.m.Counter("modify_whitelist").Inc()
	return nil
}

// IsWhitelisted reports whether id may co-sign mints.
func (s *Service) IsWhitelisted(id models.Identity) (bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var n int
	err := s.stmts.isVerifier.QueryRow(id.Bytes()).Scan(&n)
	return n > 0, err
}

func (s *Service) isWhitelisted(tx *sql.Tx, id models.Identity) (bool, error) {
	var n int
	err := tx.Stmt(s.stmts.isVerifier).QueryRow(id.Bytes()).Scan(&n)
	return n > 0, err
}

// SetAssertionMethod registers key as the caller's assertion key, replacing
// any previous key.
func (s *Service) SetAssertionMethod(caller models.Identity, key models.Identity) error {
	return s.update(func(tx *sql.Tx) error {
		return s.setAssertionMethod(tx, caller, key)
	})
}

func (s *Service) setAssertionMethod(tx *sql.Tx, caller models.Identity, key models.Identity) error {
	if _, err := tx.Stmt(s.stmts.setAssertion).Exec(caller.Bytes(), key.Bytes()); err != nil {
		return err
	}
	s.logger.Info("Set assertion method",
		zap.String("attester", caller.Hex()),
		zap.String("key", key.Hex()),
	)
	s.m.Counter("set_assertion_method").Inc()
	return nil
}

// AssertionKeyOf returns the attester's assertion key, or BlankIdentity if
// it never registered one.
func (s *Service) AssertionKeyOf(attester models.Identity) (models.Identity, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return scanAssertionKey(s.stmts.getAssertion.QueryRow(attester.Bytes()))
}

func (s *Service) assertionKeyOf(tx *sql.Tx, attester models.Identity) (models.Identity, error) {
	return scanAssertionKey(tx.Stmt(s.stmts.getAssertion).QueryRow(attester.Bytes()))
}

func scanAssertionKey(row *sql.Row) (models.Identity, error) {
	var key []byte
	err := row.Scan(&key)
	if err == sql.ErrNoRows {
		return models.BlankIdentity, nil
	}
	if err != nil {
		return models.BlankIdentity, err
	}
	return common.BytesToAddress(key), nil
}

// BlankIdentity is the value AssertionKeyOf returns for attesters without a key.
func (s *Service) BlankIdentity() models.Identity {
	return models.BlankIdentity
}
