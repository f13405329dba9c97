package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zCloak-Network/sbt-api/database"
	"github.com/zCloak-Network/sbt-api/eip712"
	"github.com/zCloak-Network/sbt-api/models"
	authz "github.com/zCloak-Network/sbt-api/models/authorization"
	"github.com/zCloak-Network/sbt-api/services"
	"github.com/zCloak-Network/sbt-api/util"
	"go.uber.org/zap"
)

const prefix = "/sbt/v1"

var testDomain = eip712.Domain{
	Name:              "zCloakSBT",
	Version:           "0",
	ChainID:           59140,
	VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
}

type testServer struct {
	handler  http.Handler
	clock    clockwork.Clock
	admin    *util.Wallet
	verifier *util.Wallet
}

func newTestServer(t *testing.T) *testServer {
	db, err := database.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	admin, err := util.NewWallet()
	require.NoError(t, err)
	verifier, err := util.NewWallet()
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Now())
	reg := prometheus.NewRegistry()
	svc := services.NewService(&services.ServiceConfig{
		DB:               db,
		Domain:           testDomain,
		Admin:            *admin.Address,
		GenesisVerifiers: []models.Identity{*verifier.Address},
		Registerer:       reg,
		Logger:           zap.NewNop(),
		Clock:            clock,
	})
	require.NoError(t, svc.Init())
	t.Cleanup(svc.Deinit)

	return &testServer{
		handler:  NewAPIRouter(prefix, svc, []string{"*"}, reg, zap.NewNop()),
		clock:    clock,
		admin:    admin,
		verifier: verifier,
	}
}

func (ts *testServer) do(t *testing.T, method string, path string, body interface{}) (*httptest.ResponseRecorder, response) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var resp response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// signed wraps a request document, signed by w, in the API's envelope.
func (ts *testServer) signed(t *testing.T, w *util.Wallet, req services.SignedRequest) SignedRequest {
	req.Timestamp = ts.clock.Now().Unix()
	msg, err := json.Marshal(req)
	require.NoError(t, err)
	sig, err := w.Sign(msg)
	require.NoError(t, err)
	return SignedRequest{Msg: string(msg), Sig: sig}
}

// decode re-encodes a response's data into v.
func decode(t *testing.T, data interface{}, v interface{}) {
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func TestMintAndRevoke(t *testing.T) {
	ts := newTestServer(t)

	// Open minting.
	rec, resp := ts.do(t, "POST", prefix+"/minting/toggle",
		ts.signed(t, ts.admin, services.SignedRequest{Action: authz.ToggleMinting}))
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)
	var minting MintingResponse
	decode(t, resp.Data, &minting)
	assert.True(t, minting.Open)

	// Register the attester's key.
	attester, err := util.NewWallet()
	require.NoError(t, err)
	key, err := util.NewWallet()
	require.NoError(t, err)
	rec, resp = ts.do(t, "POST", prefix+"/assertion-method",
		ts.signed(t, attester, services.SignedRequest{Action: authz.SetAssertionMethod, Key: key.Address}))
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)

	rec, resp = ts.do(t, "GET", prefix+"/assertion-method/"+attester.Address.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var am AssertionMethodResponse
	decode(t, resp.Data, &am)
	assert.Equal(t, *key.Address, am.Key)

	// Mint.
	recipient, err := util.NewWallet()
	require.NoError(t, err)
	record := &models.CredentialRecord{
		Recipient:   *recipient.Address,
		CType:       crypto.Keccak256Hash([]byte("ctype")),
		ProgramHash: crypto.Keccak256Hash([]byte("program")),
		Digest:      crypto.Keccak256Hash([]byte("digest")),
		Verifier:    *ts.verifier.Address,
		Attester:    *attester.Address,
		Output:      make([]uint64, models.OutputLength),
		VCVersion:   models.VCVersion{0x00, 0x01},
		SBTLink:     "https://sbt.zkid.app/1",
	}
	record.AttesterSignature, err = eip712.SignAttestation(testDomain, record, key)
	require.NoError(t, err)
	verifierSig, err := eip712.SignMintInfo(testDomain, record, ts.verifier)
	require.NoError(t, err)

	mint := MintRequest{Record: record, VerifierSignature: verifierSig}
	rec, resp = ts.do(t, "POST", prefix+"/mint", mint)
	require.Equal(t, http.StatusCreated, rec.Code, resp.Error)
	var minted MintResponse
	decode(t, resp.Data, &minted)
	assert.Equal(t, record.TokenID(), minted.TokenID)

	// Minting again is a conflict.
	rec, resp = ts.do(t, "POST", prefix+"/mint", mint)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyMint", resp.Code)

	// A truncated output vector is malformed.
	short := *record
	short.Output = record.Output[:1]
	rec, _ = ts.do(t, "POST", prefix+"/mint", MintRequest{Record: &short, VerifierSignature: verifierSig})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Read it back.
	id := minted.TokenID.Hex()
	rec, resp = ts.do(t, "GET", prefix+"/tokens/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var token TokenResponse
	decode(t, resp.Data, &token)
	assert.True(t, token.Exists)
	assert.Equal(t, *recipient.Address, token.Owner)
	assert.Equal(t, record.SBTLink, token.URI)
	assert.Equal(t, uint64(1), token.Serial)

	rec, resp = ts.do(t, "GET", prefix+"/owners/"+recipient.Address.Hex()+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance BalanceResponse
	decode(t, resp.Data, &balance)
	assert.Equal(t, uint64(1), balance.Balance)

	q := fmt.Sprintf("?digest=%s&attester=%s&programHash=%s&ctype=%s",
		record.Digest.Hex(), record.Attester.Hex(), record.ProgramHash.Hex(), record.CType.Hex())
	rec, resp = ts.do(t, "GET", prefix+"/token-identity"+q, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ti TokenIdentityResponse
	decode(t, resp.Data, &ti)
	assert.Equal(t, minted.TokenID, ti.TokenID)
	assert.Equal(t, uint64(1), ti.Serial)

	// Revoke.
	rec, resp = ts.do(t, "POST", prefix+"/revoke",
		ts.signed(t, attester, services.SignedRequest{Action: authz.Revoke, Digest: &record.Digest}))
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)
	var revoked RevokeResponse
	decode(t, resp.Data, &revoked)
	assert.Equal(t, *attester.Address, revoked.Attester)
	assert.Equal(t, []models.TokenID{minted.TokenID}, revoked.TokenIDs)

	rec, resp = ts.do(t, "GET", prefix+"/tokens/"+id+"/exists", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var exists ExistsResponse
	decode(t, resp.Data, &exists)
	assert.False(t, exists.Exists)

	rec, _ = ts.do(t, "GET", prefix+"/tokens/"+id+"/uri", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp = ts.do(t, "GET", prefix+"/revocations/"+attester.Address.Hex()+"/"+record.Digest.Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var revocation RevocationResponse
	decode(t, resp.Data, &revocation)
	assert.True(t, revocation.Revoked)

	rec, resp = ts.do(t, "POST", prefix+"/mint", mint)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DigestAlreadyRevoked", resp.Code)

	// Events, in order.
	rec, resp = ts.do(t, "GET", prefix+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events EventsResponse
	decode(t, resp.Data, &events)
	require.Len(t, events.Events, 2)
	assert.Equal(t, models.MintSuccess, events.Events[0].Type)
	assert.Equal(t, models.RevokeSuccess, events.Events[1].Type)

	rec, resp = ts.do(t, "GET", fmt.Sprintf("%s/events?after=%d", prefix, events.Events[0].Seq), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, resp.Data, &events)
	require.Len(t, events.Events, 1)
	assert.Equal(t, models.RevokeSuccess, events.Events[0].Type)
}

func TestWhitelist(t *testing.T) {
	ts := newTestServer(t)

	v, err := util.NewWallet()
	require.NoError(t, err)
	add := true
	rec, resp := ts.do(t, "POST", prefix+"/whitelist",
		ts.signed(t, ts.admin, services.SignedRequest{
			Action:     authz.ModifyWhitelist,
			Add:        &add,
			Identities: []models.Identity{*v.Address},
		}))
	require.Equal(t, http.StatusOK, rec.Code, resp.Error)

	for _, id := range []*common.Address{v.Address, ts.verifier.Address} {
		rec, resp = ts.do(t, "GET", prefix+"/whitelist/"+id.Hex(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var wl WhitelistResponse
		decode(t, resp.Data, &wl)
		assert.True(t, wl.Whitelisted, id.Hex())
	}

	// Only the administrator may modify the whitelist.
	rec, _ = ts.do(t, "POST", prefix+"/whitelist",
		ts.signed(t, v, services.SignedRequest{
			Action:     authz.ModifyWhitelist,
			Add:        &add,
			Identities: []models.Identity{*v.Address},
		}))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReadOnlyViews(t *testing.T) {
	ts := newTestServer(t)

	rec, resp := ts.do(t, "GET", prefix+"/domain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var domain DomainResponse
	decode(t, resp.Data, &domain)
	separator, err := testDomain.Separator()
	require.NoError(t, err)
	assert.Equal(t, testDomain, domain.Domain)
	assert.Equal(t, separator, domain.Separator)
	assert.Equal(t, *ts.admin.Address, domain.Admin)
	assert.Equal(t, models.OutputLength, domain.OutputLength)

	rec, resp = ts.do(t, "GET", prefix+"/blank-identity", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.BlankIdentity.Hex(), resp.Data)

	rec, resp = ts.do(t, "GET", prefix+"/minting", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var minting MintingResponse
	decode(t, resp.Data, &minting)
	assert.False(t, minting.Open)

	// A rejected toggle is counted.
	stranger, err := util.NewWallet()
	require.NoError(t, err)
	rec, _ = ts.do(t, "POST", prefix+"/minting/toggle",
		ts.signed(t, stranger, services.SignedRequest{Action: authz.ToggleMinting}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = ts.do(t, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sbt_service_admin_denied 1")
}

func TestErrors(t *testing.T) {
	ts := newTestServer(t)

	stranger, err := util.NewWallet()
	require.NoError(t, err)
	valid := ts.signed(t, ts.admin, services.SignedRequest{Action: authz.ToggleMinting})

	data := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"unknown_field", "POST", prefix + "/minting/toggle", map[string]string{"msg": valid.Msg, "sig": valid.Sig.String(), "foo": "bar"}, http.StatusBadRequest},
		{"bad_signature_hex", "POST", prefix + "/minting/toggle", map[string]string{"msg": valid.Msg, "sig": "0xzz"}, http.StatusBadRequest},
		{"signature_without_prefix", "POST", prefix + "/minting/toggle", map[string]string{"msg": valid.Msg, "sig": valid.Sig.String()[2:]}, http.StatusBadRequest},
		{"bad_signature", "POST", prefix + "/minting/toggle", SignedRequest{Msg: valid.Msg, Sig: hexutil.Bytes{0x00}}, http.StatusUnauthorized},
		{"not_admin", "POST", prefix + "/minting/toggle", ts.signed(t, stranger, services.SignedRequest{Action: authz.ToggleMinting}), http.StatusForbidden},
		{"missing_record", "POST", prefix + "/mint", MintRequest{}, http.StatusBadRequest},
		{"bad_identity", "GET", prefix + "/whitelist/0x1234", nil, http.StatusBadRequest},
		{"bad_token_id", "GET", prefix + "/tokens/0x1234", nil, http.StatusBadRequest},
		{"unknown_token", "GET", prefix + "/tokens/" + common.Hash{}.Hex(), nil, http.StatusNotFound},
		{"bad_events_limit", "GET", prefix + "/events?limit=x", nil, http.StatusBadRequest},
		{"missing_query", "GET", prefix + "/token-identity", nil, http.StatusBadRequest},
	}

	for _, d := range data {
		t.Run(d.name, func(t *testing.T) {
			rec, _ := ts.do(t, d.method, d.path, d.body)
			assert.Equal(t, d.status, rec.Code)
		})
	}

	t.Run("wrong_content_type", func(t *testing.T) {
		req := httptest.NewRequest("POST", prefix+"/mint", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("request_id", func(t *testing.T) {
		req := httptest.NewRequest("GET", prefix+"/minting", nil)
		req.Header.Set(requestIDHeader, "abc")
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		assert.Equal(t, "abc", rec.Header().Get(requestIDHeader))

		rec, _ = ts.do(t, "GET", prefix+"/minting", nil)
		_, err := uuid.Parse(rec.Header().Get(requestIDHeader))
		assert.NoError(t, err)
	})
}
