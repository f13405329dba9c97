package services

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zCloak-Network/sbt-api/database"
	"github.com/zCloak-Network/sbt-api/eip712"
	"github.com/zCloak-Network/sbt-api/models"
	"github.com/zCloak-Network/sbt-api/util"
	"go.uber.org/zap"
)

var testDomain = eip712.Domain{
	Name:              "zCloakSBT",
	Version:           "0",
	ChainID:           59140,
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

// testLedger bundles a service with the wallets of its administrator and of
// one whitelisted verifier.
type testLedger struct {
	svc      *Service
	admin    *util.Wallet
	verifier *util.Wallet
	dsn      string
}

// Create a new service using its own in-memory database.
// Every test gets a fresh database name, so tests never see each other's
// state even with the shared cache enabled.
func setupTestService(t *testing.T, clock clockwork.Clock) (*testLedger, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return setupTestServiceWithDSN(t, clock, dsn)
}

func setupTestServiceWithDSN(t *testing.T, clock clockwork.Clock, dsn string) (*testLedger, error) {
	db, err := database.Open(dsn)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		db.Close()
	})

	logger, err := zap.NewDevelopmentConfig().Build()
	if err != nil {
		return nil, err
	}

	admin, err := util.NewWallet()
	if err != nil {
		return nil, err
	}
	verifier, err := util.NewWallet()
	if err != nil {
		return nil, err
	}

	config := &ServiceConfig{
		DB:               db,
		Domain:           testDomain,
		Admin:            *admin.Address,
		GenesisVerifiers: []models.Identity{*verifier.Address},
		Registerer:       prometheus.NewRegistry(),
		Logger:           logger,
		Clock:            clock,
	}
	return &testLedger{
		svc:      NewService(config),
		admin:    admin,
		verifier: verifier,
		dsn:      dsn,
	}, nil
}

// Create and initialize a service, failing the test on error.
func initTestService(t *testing.T, clock clockwork.Clock) *testLedger {
	l, err := setupTestService(t, clock)
	if err != nil {
		t.Fatalf("Could not create service: %v", err)
	}
	if err := l.svc.Init(); err != nil {
		t.Fatalf("Could not initialize service: %v", err)
	}
	t.Cleanup(l.svc.Deinit)
	return l
}

// Open minting, failing the test on error.
func openMinting(t *testing.T, l *testLedger) {
	open, err := l.svc.ToggleMinting(*l.admin.Address)
	if err != nil {
		t.Fatalf("Could not toggle minting: %v", err)
	}
	if !open {
		t.Fatalf("Expected minting to be open")
	}
}

// testAttester is an attester identity and the assertion key it signs with.
type testAttester struct {
	id  *util.Wallet
	key *util.Wallet
}

// Create an attester and register its assertion key.
func createTestAttester(t *testing.T, l *testLedger) *testAttester {
	id, err := util.NewWallet()
	if err != nil {
		t.Fatalf("Could not create attester: %v", err)
	}
	key, err := util.NewWallet()
	if err != nil {
		t.Fatalf("Could not create assertion key: %v", err)
	}
	if err := l.svc.SetAssertionMethod(*id.Address, *key.Address); err != nil {
		t.Fatalf("Could not set assertion method: %v", err)
	}
	return &testAttester{id: id, key: key}
}

// Build a credential record for a fresh recipient, attested by a and to be
// verified by verifier. The record expires a day after the clock's time.
func createTestRecord(t *testing.T, l *testLedger, a *testAttester, verifier *util.Wallet) *models.CredentialRecord {
	recipient, err := util.NewWallet()
	if err != nil {
		t.Fatalf("Could not create recipient: %v", err)
	}
	now := uint64(l.svc.clock.Now().UnixMilli())
	r := &models.CredentialRecord{
		Recipient:           *recipient.Address,
		CType:               common.HexToHash("0x7f2ef721b292b9b7d678e9f82ab010e139600558df805bbc61a0041e60b61a18"),
		ProgramHash:         common.HexToHash("0x8acf8f36dbd0407ced227c97f9f1bcf989c6affd32231ad56a36e9dfcd492610"),
		Digest:              crypto.Keccak256Hash([]byte(uuid.NewString())),
		Verifier:            *verifier.Address,
		Attester:            *a.id.Address,
		Output:              []uint64{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		IssuanceTimestamp:   now,
		ExpirationTimestamp: now + 24*60*60*1000,
		VCVersion:           models.VCVersion{0x00, 0x01},
		SBTLink:             "https://sbt.zkid.app/" + recipient.Address.Hex(),
	}
	signTestAttestation(t, l, r, a)
	return r
}

func signTestAttestation(t *testing.T, l *testLedger, r *models.CredentialRecord, a *testAttester) {
	sig, err := eip712.SignAttestation(l.svc.domain, r, a.key)
	if err != nil {
		t.Fatalf("Could not sign attestation: %v", err)
	}
	r.AttesterSignature = sig
}

func signTestMintInfo(t *testing.T, l *testLedger, r *models.CredentialRecord, verifier *util.Wallet) []byte {
	sig, err := eip712.SignMintInfo(l.svc.domain, r, verifier)
	if err != nil {
		t.Fatalf("Could not sign mint info: %v", err)
	}
	return sig
}

// Mint a record co-signed by the ledger's genesis verifier.
func mintTestRecord(t *testing.T, l *testLedger, r *models.CredentialRecord) models.TokenID {
	id, err := l.svc.Mint(r, signTestMintInfo(t, l, r, l.verifier))
	if err != nil {
		t.Fatalf("Could not mint: %v", err)
	}
	return id
}

// Build a signed request for action, timestamped with the service's clock.
func createTestRequest(t *testing.T, l *testLedger, w *util.Wallet, req SignedRequest) ([]byte, []byte) {
	if req.Timestamp == 0 {
		req.Timestamp = l.svc.clock.Now().Unix()
	}
	msg, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Could not encode request: %v", err)
	}
	sig, err := w.Sign(msg)
	if err != nil {
		t.Fatalf("Could not sign request: %v", err)
	}
	return msg, sig
}

func boolPtr(b bool) *bool {
	return &b
}
