package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zCloak-Network/sbt-api/eip712"
	"github.com/zCloak-Network/sbt-api/metrics"
	"github.com/zCloak-Network/sbt-api/models"
	"go.uber.org/zap"
)

const (
	// The default maximum age of a signed request.
	defaultRequestMaxAge = 15 * time.Minute

	settingDomain   = "domain"
	settingAdmin    = "admin"
	settingMintOpen = "mint_open"
)

// The delay between retries when the database is busy.
// Values are taken from SQLite's default busy handler.
var dbTryDelayMs = []int{1, 2, 5, 10, 15, 20, 25, 25, 25, 50, 50, 100}

type ValidationError struct {
	msg string
}

func (v *ValidationError) Error() string {
	return v.msg
}

func (v *ValidationError) Is(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

type AuthenticationError struct {
	msg string
}

func (a *AuthenticationError) Error() string {
	return a.msg
}

func (a *AuthenticationError) Is(err error) bool {
	_, ok := err.(*AuthenticationError)
	return ok
}

type AuthorizationError struct {
	msg string
}

func (a *AuthorizationError) Error() string {
	return a.msg
}

func (a *AuthorizationError) Is(err error) bool {
	_, ok := err.(*AuthorizationError)
	return ok
}

type NotFoundError struct {
	msg string
}

func (n *NotFoundError) Error() string {
	return n.msg
}

func (n *NotFoundError) Is(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// LedgerError rejects a mint or revoke because of the ledger's state.
// errors.Is matches an error with the same code, and the zero LedgerError
// matches any of them.
type LedgerError struct {
	code string
	msg  string
}

func (l *LedgerError) Error() string {
	return l.msg
}

// Code returns the name of the rejection, e.g. "AlreadyMint".
func (l *LedgerError) Code() string {
	return l.code
}

func (l *LedgerError) Is(err error) bool {
	other, ok := err.(*LedgerError)
	return ok && (other.code == "" || other.code == l.code)
}

var (
	ErrMintDisabled             = &LedgerError{"MintDisabled", "minting is disabled"}
	ErrVCAlreadyExpired         = &LedgerError{"VCAlreadyExpired", "credential has already expired"}
	ErrAttesterSignatureInvalid = &LedgerError{"AttesterSignatureInvalid", "attester signature does not match the attester's assertion method"}
	ErrAlreadyMint              = &LedgerError{"AlreadyMint", "a token already exists for this credential"}
	ErrDigestAlreadyRevoked     = &LedgerError{"DigestAlreadyRevoked", "the attester has revoked this digest"}
	ErrVerifierNotInWhitelist   = &LedgerError{"VerifierNotInWhitelist", "verifier is not whitelisted"}
	ErrMintInfoInvalid          = &LedgerError{"MintInfoInvalid", "verifier signature does not match the verifier"}
)

// ServiceConfig contains the configuration for a Service.
type ServiceConfig struct {
	DB     *sql.DB
	Domain eip712.Domain
	// Administrator and verifier whitelist used the first time the
	// database is initialized.
	Admin            models.Identity
	GenesisVerifiers []models.Identity
	RequestMaxAge    time.Duration
	Registerer       prometheus.Registerer
	Logger           *zap.Logger
	Clock            clockwork.Clock
}

// Service owns the ledger: the access registry, the revocation ledger,
// the token registry and the event log. It is called by the API handlers.
// State-changing calls are serialized by lock and each runs in a single
// transaction, so a call either commits entirely or has no effect.
type Service struct {
	domain           eip712.Domain
	admin            models.Identity
	genesisVerifiers []models.Identity
	requestMaxAge    time.Duration

	db    *sql.DB
	stmts statements
	lock  sync.RWMutex

	registerer prometheus.Registerer
	m          *metrics.MetricsRegistry
	logger     *zap.Logger

	clock clockwork.Clock
}

type statements struct {
	getSetting     *sql.Stmt
	putSetting     *sql.Stmt
	addVerifier    *sql.Stmt
	removeVerifier *sql.Stmt
	isVerifier     *sql.Stmt
	setAssertion   *sql.Stmt
	getAssertion   *sql.Stmt
	addRevocation  *sql.Stmt
	isRevoked      *sql.Stmt
	insertToken    *sql.Stmt
	getToken       *sql.Stmt
	getSerial      *sql.Stmt
	liveTokens     *sql.Stmt
	burnTokens     *sql.Stmt
	balanceOf      *sql.Stmt
	insertEvent    *sql.Stmt
	getEvents      *sql.Stmt
	useRequest     *sql.Stmt
	pruneRequests  *sql.Stmt
}

func NewService(config *ServiceConfig) *Service {
	maxAge := config.RequestMaxAge
	if maxAge == 0 {
		maxAge = defaultRequestMaxAge
	}
	return &Service{
		domain:           config.Domain,
		admin:            config.Admin,
		genesisVerifiers: config.GenesisVerifiers,
		requestMaxAge:    maxAge,
		db:               config.DB,
		registerer:       config.Registerer,
		logger:           config.Logger,
		clock:            config.Clock,
	}
}

func (s *Service) Init() error {
	if err := s.domain.Validate(); err != nil {
		return err
	}
	s.m = metrics.NewMetricsRegistry(s.registerer, "service")
	if err := s.createTables(); err != nil {
		return err
	}
	if err := s.prepareStatements(); err != nil {
		return err
	}
	return s.genesis()
}

func (s *Service) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS verifier_whitelist (
			verifier BLOB(20) PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS assertion_methods (
			attester BLOB(20) PRIMARY KEY,
			key BLOB(20) NOT NULL
		);
		CREATE TABLE IF NOT EXISTS revocations (
			attester BLOB(20) NOT NULL,
			digest BLOB(32) NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (attester, digest)
		);
		CREATE TABLE IF NOT EXISTS tokens (
			serial INTEGER PRIMARY KEY AUTOINCREMENT,
			token_id BLOB(32) NOT NULL UNIQUE,
			owner BLOB(20) NOT NULL,
			attester BLOB(20) NOT NULL,
			digest BLOB(32) NOT NULL,
			live INTEGER CHECK (live >= 0 AND live <= 1) NOT NULL,
			minted_at INTEGER NOT NULL,
			record TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS tokens_attester_digest ON tokens (attester, digest);
		CREATE INDEX IF NOT EXISTS tokens_owner ON tokens (owner);
		CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS used_requests (
			hash BLOB(32) PRIMARY KEY,
			timestamp INTEGER NOT NULL
		);
	`)
	return pkgerrors.Wrap(err, "creating tables")
}

func (s *Service) prepareStatements() error {
	queries := []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&s.stmts.getSetting, `SELECT value FROM settings WHERE key = ?;`},
		{&s.stmts.putSetting, `
			INSERT INTO settings (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value;
		`},
		{&s.stmts.addVerifier, `INSERT OR IGNORE INTO verifier_whitelist (verifier) VALUES (?);`},
		{&s.stmts.removeVerifier, `DELETE FROM verifier_whitelist WHERE verifier = ?;`},
		{&s.stmts.isVerifier, `SELECT COUNT(*) FROM verifier_whitelist WHERE verifier = ?;`},
		{&s.stmts.setAssertion, `
			INSERT INTO assertion_methods (attester, key) VALUES (?, ?)
			ON CONFLICT (attester) DO UPDATE SET key = excluded.key;
		`},
		{&s.stmts.getAssertion, `SELECT key FROM assertion_methods WHERE attester = ?;`},
		{&s.stmts.addRevocation, `INSERT OR IGNORE INTO revocations (attester, digest, timestamp) VALUES (?, ?, ?);`},
		{&s.stmts.isRevoked, `SELECT COUNT(*) FROM revocations WHERE attester = ? AND digest = ?;`},
		{&s.stmts.insertToken, `
			INSERT INTO tokens (token_id, owner, attester, digest, live, minted_at, record)
			VALUES (?, ?, ?, ?, 1, ?, ?);
		`},
		{&s.stmts.getToken, `SELECT serial, owner, live, minted_at, record FROM tokens WHERE token_id = ?;`},
		{&s.stmts.getSerial, `SELECT serial FROM tokens WHERE token_id = ?;`},
		{&s.stmts.liveTokens, `
			SELECT token_id FROM tokens
			WHERE attester = ? AND digest = ? AND live = 1
			ORDER BY serial;
		`},
		{&s.stmts.burnTokens, `UPDATE tokens SET live = 0 WHERE attester = ? AND digest = ? AND live = 1;`},
		{&s.stmts.balanceOf, `SELECT COUNT(*) FROM tokens WHERE owner = ? AND live = 1;`},
		{&s.stmts.insertEvent, `INSERT INTO events (type, timestamp, payload) VALUES (?, ?, ?);`},
		{&s.stmts.getEvents, `SELECT seq, payload FROM events WHERE seq > ? ORDER BY seq LIMIT ?;`},
		{&s.stmts.useRequest, `INSERT INTO used_requests (hash, timestamp) VALUES (?, ?);`},
		{&s.stmts.pruneRequests, `DELETE FROM used_requests WHERE timestamp < ?;`},
	}

	for _, q := range queries {
		stmt, err := s.db.Prepare(q.query)
		if err != nil {
			return pkgerrors.Wrapf(err, "preparing %q", q.query)
		}
		*q.stmt = stmt
	}
	return nil
}

// genesis records the domain, the administrator and the initial verifier
// whitelist the first time the database is used. Later runs must be
// configured with the same domain and administrator.
func (s *Service) genesis() error {
	return s.update(func(tx *sql.Tx) error {
		var stored []byte
		err := tx.Stmt(s.stmts.getSetting).QueryRow(settingDomain).Scan(&stored)
		switch {
		case err == sql.ErrNoRows:
			// First run.
		case err != nil:
			return err
		default:
			var domain eip712.Domain
			if err := json.Unmarshal(stored, &domain); err != nil {
				return pkgerrors.Wrap(err, "decoding stored domain")
			}
			if domain != s.domain {
				return pkgerrors.Errorf("configured domain %+v does not match the ledger's domain %+v", s.domain, domain)
			}
			var admin []byte
			if err := tx.Stmt(s.stmts.getSetting).QueryRow(settingAdmin).Scan(&admin); err != nil {
				return pkgerrors.Wrap(err, "reading administrator")
			}
			if storedAdmin := common.BytesToAddress(admin); storedAdmin != s.admin {
				return pkgerrors.Errorf("configured administrator %s does not match the ledger's administrator %s", s.admin.Hex(), storedAdmin.Hex())
			}
			return nil
		}

		domain, err := json.Marshal(s.domain)
		if err != nil {
			return err
		}
		put := tx.Stmt(s.stmts.putSetting)
		defer put.Close()
		if _, err := put.Exec(settingDomain, domain); err != nil {
			return err
		}
		if _, err := put.Exec(settingAdmin, s.admin.Bytes()); err != nil {
			return err
		}
		if _, err := put.Exec(settingMintOpen, []byte{0}); err != nil {
			return err
		}
		add := tx.Stmt(s.stmts.addVerifier)
		defer add.Close()
		for _, v := range s.genesisVerifiers {
			if _, err := add.Exec(v.Bytes()); err != nil {
				return err
			}
		}

		separator, err := s.domain.Separator()
		if err != nil {
			return err
		}
		s.logger.Info("Initialized ledger",
			zap.String("name", s.domain.Name),
			zap.String("version", s.domain.Version),
			zap.Uint64("chainID", s.domain.ChainID),
			zap.String("verifyingContract", s.domain.VerifyingContract.Hex()),
			zap.String("domainSeparator", separator.Hex()),
			zap.String("admin", s.admin.Hex()),
			zap.Int("verifiers", len(s.genesisVerifiers)),
		)
		return nil
	})
}

// update runs fn in a transaction while holding the write lock. The
// transaction is committed only if fn succeeds. Transient SQLite errors are
// retried; any other error is returned as is.
func (s *Service) update(fn func(tx *sql.Tx) error) error {
	var err error
	var try int
	for try = range dbTryDelayMs {
		if err = s.updateOnce(fn); err == nil {
			return nil
		}

		// Check whether the error is recoverable.
		var sqliteErr sqlite3.Error
		if !errors.As(err, &sqliteErr) {
			return err
		}
		if sqliteErr.Code != sqlite3.ErrLocked && sqliteErr.Code != sqlite3.ErrBusy {
			return err
		}

		// Retry after a delay.
		sleepFor := dbTryDelayMs[try]
		s.logger.Warn("Database is busy. Retrying",
			zap.Int("try", try),
			zap.Int("retryMs", sleepFor),
			zap.Error(err),
		)
		s.m.Counter("db_retry").Inc()
		s.clock.Sleep(time.Duration(sleepFor) * time.Millisecond)
	}

	s.logger.Warn("Database is busy. Giving up.",
		zap.Int("tries", try),
		zap.Error(err))
	return err
}

func (s *Service) updateOnce(fn func(tx *sql.Tx) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// nowMs returns the current time in unix milliseconds, the unit of
// credential timestamps.
func (s *Service) nowMs() uint64 {
	return uint64(s.clock.Now().UnixMilli())
}

// Ping checks that the database is reachable.
func (s *Service) Ping() error {
	return s.db.Ping()
}

// Domain returns the domain separation material signatures are checked against.
func (s *Service) Domain() eip712.Domain {
	return s.domain
}

// Admin returns the administrator identity.
func (s *Service) Admin() models.Identity {
	return s.admin
}

func (s *Service) Deinit() {
	// Close prepared statements
	for _, stmt := range []**sql.Stmt{
		&s.stmts.getSetting,
		&s.stmts.putSetting,
		&s.stmts.addVerifier,
		&s.stmts.removeVerifier,
		&s.stmts.isVerifier,
		&s.stmts.setAssertion,
		&s.stmts.getAssertion,
		&s.stmts.addRevocation,
		&s.stmts.isRevoked,
		&s.stmts.insertToken,
		&s.stmts.getToken,
		&s.stmts.getSerial,
		&s.stmts.liveTokens,
		&s.stmts.burnTokens,
		&s.stmts.balanceOf,
		&s.stmts.insertEvent,
		&s.stmts.getEvents,
		&s.stmts.useRequest,
		&s.stmts.pruneRequests,
	} {
		if *stmt == nil {
			continue
		}
		(*stmt).Close()
		*stmt = nil
	}
}

func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
