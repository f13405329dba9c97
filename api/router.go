package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zCloak-Network/sbt-api/models"
	"github.com/zCloak-Network/sbt-api/services"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-Id"

type apiRouter struct {
	svc    *services.Service
	logger *zap.Logger
}

func parseIdentity(s string) (models.Identity, error) {
	if !common.IsHexAddress(s) {
		return models.BlankIdentity, &decodingError{status: http.StatusBadRequest, msg: "invalid identity " + s}
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, &decodingError{status: http.StatusBadRequest, msg: "invalid 32-byte hex value " + s}
	}
	return common.BytesToHash(b), nil
}

func readSignedRequest(w http.ResponseWriter, r *http.Request) ([]byte, []byte, error) {
	var req SignedRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return nil, nil, err
	}
	return []byte(req.Msg), req.Sig, nil
}

func (ar *apiRouter) Mint(w http.ResponseWriter, r *http.Request) error {
	var req MintRequest
	if err := readJSONRequest(w, r, &req); err != nil {
		return writeJSONError(w, err)
	}
	if req.Record == nil {
		return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "missing record"})
	}

	ar.logger.Info("Got mint request",
		zap.String("recipient", req.Record.Recipient.Hex()),
		zap.String("attester", req.Record.Attester.Hex()),
		zap.String("verifier", req.Record.Verifier.Hex()),
		zap.String("digest", req.Record.Digest.Hex()),
	)

	id, err := ar.svc.Mint(req.Record, req.VerifierSignature)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusCreated, MintResponse{TokenID: id}, "", "")
}

func (ar *apiRouter) ToggleMinting(w http.ResponseWriter, r *http.Request) error {
	msg, sig, err := readSignedRequest(w, r)
	if err != nil {
		return writeJSONError(w, err)
	}
	open, err := ar.svc.ToggleMintingFromRequest(msg, sig)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, MintingResponse{Open: open}, "", "")
}

func (ar *apiRouter) ModifyWhitelist(w http.ResponseWriter, r *http.Request) error {
	msg, sig, err := readSignedRequest(w, r)
	if err != nil {
		return writeJSONError(w, err)
	}
	if err := ar.svc.ModifyWhitelistFromRequest(msg, sig); err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, nil, "", "")
}

func (ar *apiRouter) SetAssertionMethod(w http.ResponseWriter, r *http.Request) error {
	msg, sig, err := readSignedRequest(w, r)
	if err != nil {
		return writeJSONError(w, err)
	}
	attester, err := ar.svc.SetAssertionMethodFromRequest(msg, sig)
	if err != nil {
		return writeJSONError(w, err)
	}
	key, err := ar.svc.AssertionKeyOf(attester)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, AssertionMethodResponse{Attester: attester, Key: key}, "", "")
}

func (ar *apiRouter) Revoke(w http.ResponseWriter, r *http.Request) error {
	msg, sig, err := readSignedRequest(w, r)
	if err != nil {
		return writeJSONError(w, err)
	}
	attester, burned, err := ar.svc.RevokeFromRequest(msg, sig)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, RevokeResponse{Attester: attester, TokenIDs: burned}, "", "")
}

func (ar *apiRouter) GetMinting(w http.ResponseWriter, r *http.Request) error {
	open, err := ar.svc.MintOpen()
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, MintingResponse{Open: open}, "", "")
}

func (ar *apiRouter) GetWhitelisted(w http.ResponseWriter, r *http.Request) error {
	id, err := parseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}
	ok, err := ar.svc.IsWhitelisted(id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, WhitelistResponse{Identity: id, Whitelisted: ok}, "", "")
}

func (ar *apiRouter) GetAssertionMethod(w http.ResponseWriter, r *http.Request) error {
	attester, err := parseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}
	key, err := ar.svc.AssertionKeyOf(attester)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, AssertionMethodResponse{Attester: attester, Key: key}, "", "")
}

func (ar *apiRouter) GetBlankIdentity(w http.ResponseWriter, r *http.Request) error {
	return writeJSONResponse(w, http.StatusOK, ar.svc.BlankIdentity(), "", "")
}

func (ar *apiRouter) GetRevocation(w http.ResponseWriter, r *http.Request) error {
	vars := mux.Vars(r)
	attester, err := parseIdentity(vars["attester"])
	if err != nil {
		return writeJSONError(w, err)
	}
	digest, err := parseHash(vars["digest"])
	if err != nil {
		return writeJSONError(w, err)
	}
	revoked, err := ar.svc.IsRevoked(attester, digest)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, RevocationResponse{Attester: attester, Digest: digest, Revoked: revoked}, "", "")
}

func (ar *apiRouter) GetToken(w http.ResponseWriter, r *http.Request) error {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		return writeJSONError(w, err)
	}
	token, err := ar.svc.Token(id)
	if err != nil {
		return writeJSONError(w, err)
	}
	resp := TokenResponse{Token: token}
	if token.Exists {
		resp.URI = token.Record.SBTLink
	}
	return writeJSONResponse(w, http.StatusOK, resp, "", "")
}

func (ar *apiRouter) GetTokenExists(w http.ResponseWriter, r *http.Request) error {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		return writeJSONError(w, err)
	}
	exists, err := ar.svc.Exists(id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, ExistsResponse{TokenID: id, Exists: exists}, "", "")
}

func (ar *apiRouter) GetTokenURI(w http.ResponseWriter, r *http.Request) error {
	id, err := parseHash(mux.Vars(r)["id"])
	if err != nil {
		return writeJSONError(w, err)
	}
	uri, err := ar.svc.TokenURI(id)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, uri, "", "")
}

func (ar *apiRouter) GetBalance(w http.ResponseWriter, r *http.Request) error {
	owner, err := parseIdentity(mux.Vars(r)["identity"])
	if err != nil {
		return writeJSONError(w, err)
	}
	balance, err := ar.svc.BalanceOf(owner)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, BalanceResponse{Owner: owner, Balance: balance}, "", "")
}

func (ar *apiRouter) GetTokenIdentity(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	digest, err := parseHash(q.Get("digest"))
	if err != nil {
		return writeJSONError(w, err)
	}
	attester, err := parseIdentity(q.Get("attester"))
	if err != nil {
		return writeJSONError(w, err)
	}
	programHash, err := parseHash(q.Get("programHash"))
	if err != nil {
		return writeJSONError(w, err)
	}
	ctype, err := parseHash(q.Get("ctype"))
	if err != nil {
		return writeJSONError(w, err)
	}

	serial, err := ar.svc.SerialOf(digest, attester, programHash, ctype)
	if err != nil {
		return writeJSONError(w, err)
	}
	resp := TokenIdentityResponse{
		TokenID: ar.svc.TokenIdentityOf(digest, attester, programHash, ctype),
		Serial:  serial,
	}
	return writeJSONResponse(w, http.StatusOK, resp, "", "")
}

func (ar *apiRouter) GetDomain(w http.ResponseWriter, r *http.Request) error {
	domain := ar.svc.Domain()
	separator, err := domain.Separator()
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, DomainResponse{
		Domain:       domain,
		Separator:    separator,
		Admin:        ar.svc.Admin(),
		OutputLength: models.OutputLength,
	}, "", "")
}

func (ar *apiRouter) GetEvents(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	var after int64
	var limit int
	var err error
	if s := q.Get("after"); s != "" {
		if after, err = strconv.ParseInt(s, 10, 64); err != nil || after < 0 {
			return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid after"})
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 0 {
			return writeJSONError(w, &decodingError{status: http.StatusBadRequest, msg: "invalid limit"})
		}
	}
	events, err := ar.svc.Events(after, limit)
	if err != nil {
		return writeJSONError(w, err)
	}
	return writeJSONResponse(w, http.StatusOK, EventsResponse{Events: events}, "", "")
}

// Wrapper to log unhandled errors.
// Note that this wrapper is only for last resort errors. For example, caused by
// error handling functions not being able to write a response to the client.
func (ar *apiRouter) wrapHandler(h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			ar.logger.Error("Error handling request",
				zap.String("requestID", w.Header().Get(requestIDHeader)),
				zap.Error(err),
			)
		}
	}
}

// Tags every request with an id, taken from the client when it sent one.
func (ar *apiRouter) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ar.logger.Debug("Handling request",
			zap.String("requestID", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}

// NewAPIRouter serves the ledger under path. When gatherer is not nil its
// metrics are served on /metrics.
func NewAPIRouter(path string, svc *services.Service, origins []string, gatherer prometheus.Gatherer, logger *zap.Logger) *mux.Router {
	// Create router.
	ah := &apiRouter{
		svc,
		logger,
	}
	r := mux.NewRouter()
	r.Use(ah.requestID)
	sr := r.PathPrefix(path).Subrouter()

	// Register handlers.
	allowedMethods := []string{"GET", "POST", "OPTIONS"}
	post := func(p string, h func(w http.ResponseWriter, r *http.Request) error) {
		sr.HandleFunc(p, ah.wrapHandler(h)).Methods("POST", "OPTIONS")
	}
	get := func(p string, h func(w http.ResponseWriter, r *http.Request) error) {
		sr.HandleFunc(p, ah.wrapHandler(h)).Methods("GET", "OPTIONS")
	}

	post("/mint", ah.Mint)
	post("/revoke", ah.Revoke)
	post("/assertion-method", ah.SetAssertionMethod)
	post("/whitelist", ah.ModifyWhitelist)
	post("/minting/toggle", ah.ToggleMinting)

	get("/minting", ah.GetMinting)
	get("/whitelist/{identity}", ah.GetWhitelisted)
	get("/assertion-method/{identity}", ah.GetAssertionMethod)
	get("/blank-identity", ah.GetBlankIdentity)
	get("/revocations/{attester}/{digest}", ah.GetRevocation)
	get("/tokens/{id}", ah.GetToken)
	get("/tokens/{id}/exists", ah.GetTokenExists)
	get("/tokens/{id}/uri", ah.GetTokenURI)
	get("/owners/{identity}/balance", ah.GetBalance)
	get("/token-identity", ah.GetTokenIdentity)
	get("/domain", ah.GetDomain)
	get("/events", ah.GetEvents)

	// CORS support.
	ch := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   allowedMethods,
		ExposedHeaders:   []string{"Accept", "Content-Type", requestIDHeader},
		AllowCredentials: false,
		Debug:            logger.Level() == zap.DebugLevel,
	})
	sr.Use(ch.Handler)

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	return r
}
