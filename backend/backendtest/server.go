// Package backendtest runs an in-memory merchant backend over httptest for
// exercising the backend client and the payment core end to end.
package backendtest

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"loopofwork/backend"
	"loopofwork/identity"
)

// BurnVerifier checks a redemption transaction against the request and
// returns the redeemed whole-token amount.
type BurnVerifier func(req backend.PaymentRequest, txID string) (decimal.Decimal, error)

type session struct {
	publicKey string
	expires   time.Time
}

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	now        func() time.Time
	ttl        time.Duration
	challenges map[string]string
	sessions   map[string]session
	nonces     map[string]uint32
	requests   map[string]*backend.PaymentRequest
	owners     map[string]string
	order      []string
	receipts   map[string]backend.Receipt
	prices     map[string]backend.PriceQuote
	verifier   BurnVerifier
	failCreate int
	failRedeem int
	hits       map[string]int
	keys       map[string][]string
	created    map[string]string
}

// Option customises the fake.
type Option func(*Server)

// WithClock sets the clock used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) { s.ttl = ttl }
}

// WithBurnVerifier installs the redemption check.
func WithBurnVerifier(v BurnVerifier) Option {
	return func(s *Server) { s.verifier = v }
}

// New starts the fake backend. Call Close when done.
func New(opts ...Option) *Server {
	s := &Server{
		now:        time.Now,
		ttl:        time.Hour,
		challenges: map[string]string{},
		sessions:   map[string]session{},
		nonces:     map[string]uint32{},
		requests:   map[string]*backend.PaymentRequest{},
		owners:     map[string]string{},
		receipts:   map[string]backend.Receipt{},
		prices:     map[string]backend.PriceQuote{},
		hits:       map[string]int{},
		keys:       map[string][]string{},
		created:    map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	s.route(r, http.MethodGet, "/auth/challenge", s.handleChallenge)
	s.route(r, http.MethodPost, "/auth/verify", s.handleVerify)
	s.route(r, http.MethodGet, "/auth/check", s.handleCheck)
	s.route(r, http.MethodGet, "/payment-request-nonce", s.handleNonce)
	s.route(r, http.MethodPost, "/payment-request", s.handleCreate)
	s.route(r, http.MethodGet, "/payment-requests", s.handleList)
	s.route(r, http.MethodGet, "/payment-request/{id}", s.handleGet)
	s.route(r, http.MethodDelete, "/payment-request/{id}", s.handleDelete)
	s.route(r, http.MethodPost, "/payment-request/{id}/settle/{tx}", s.handleSettle)
	s.route(r, http.MethodPost, "/payment-request/{id}/redeem/{tx}", s.handleRedeem)
	s.route(r, http.MethodGet, "/payment-request/{id}/price", s.handlePrice)
	s.route(r, http.MethodGet, "/receipt/{tx}", s.handleGetReceipt)
	s.route(r, http.MethodPatch, "/receipt/{tx}", s.handlePatchReceipt)
	return r
}

// route counts hits before serving so callers observe them once the response
// has arrived.
func (s *Server) route(r chi.Router, method, pattern string, h http.HandlerFunc) {
	key := method + " " + pattern
	r.Method(method, pattern, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		s.hits[key]++
		if idem := req.Header.Get(backend.IdempotencyHeader); idem != "" {
			s.keys[key] = append(s.keys[key], idem)
		}
		s.mu.Unlock()
		h(w, req)
	}))
}

// IdempotencyKeys returns the keys sent to "METHOD /pattern", in order.
func (s *Server) IdempotencyKeys(route string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys[route]...)
}

// Hits returns how often "METHOD /pattern" was served.
func (s *Server) Hits(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[route]
}

// SetPrice installs the checkout price for a request.
func (s *Server) SetPrice(id string, btc decimal.Decimal, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[id] = backend.PriceQuote{BTC: btc, EndTime: end}
}

// SetBurnVerifier replaces the redemption check.
func (s *Server) SetBurnVerifier(v BurnVerifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verifier = v
}

// FailNextCreates makes the next n creations fail with a 500.
func (s *Server) FailNextCreates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate = n
}

// FailNextRedeems makes the next n burn submissions fail with a 503.
func (s *Server) FailNextRedeems(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRedeem = n
}

// ExpireSessions invalidates every issued session.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = map[string]session{}
}

// Request returns a copy of a stored request.
func (s *Server) Request(id string) (backend.PaymentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return backend.PaymentRequest{}, false
	}
	return *req, true
}

// Count returns the number of stored requests.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	pub := strings.TrimSpace(r.URL.Query().Get("publicKey"))
	if pub == "" {
		writeError(w, http.StatusBadRequest, "publicKey required")
		return
	}
	nonce := randomID()
	s.mu.Lock()
	s.challenges[nonce] = pub
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PublicKey string `json:"publicKey"`
		Signature string `json:"signature"`
		Nonce     string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	s.mu.Lock()
	owner, ok := s.challenges[body.Nonce]
	delete(s.challenges, body.Nonce)
	s.mu.Unlock()
	if !ok || owner != body.PublicKey {
		writeError(w, http.StatusUnauthorized, "unknown challenge")
		return
	}
	if err := identity.VerifyChallenge(body.PublicKey, body.Signature, body.Nonce); err != nil {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}
	token := randomID()
	s.mu.Lock()
	expires := s.now().Add(s.ttl)
	s.sessions[token] = session{publicKey: body.PublicKey, expires: expires}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessionId": token, "expiresAt": expires.UnixMilli()})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok || token == "" || !s.now().Before(sess.expires) {
		writeError(w, http.StatusUnauthorized, "invalid session")
		return "", false
	}
	return sess.publicKey, true
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	nonce := s.nonces[pub]
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]uint32{"nonce": nonce})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.authorize(w, r)
	if !ok {
		return
	}
	var body backend.CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	idem := r.Header.Get(backend.IdempotencyHeader)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.created[pub+"/"+idem]; ok && idem != "" {
		writeJSON(w, http.StatusOK, map[string]string{"paymentRequestId": id})
		return
	}
	if s.failCreate > 0 {
		s.failCreate--
		writeError(w, http.StatusInternalServerError, "create failed")
		return
	}
	if body.Nonce == 0 || body.Nonce <= s.nonces[pub] {
		writeError(w, http.StatusConflict, "nonce already used")
		return
	}
	if !body.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	id := randomID()
	s.nonces[pub] = body.Nonce
	s.requests[id] = &backend.PaymentRequest{
		ID:           id,
		Amount:       body.Amount,
		Description:  body.Description,
		BTCAddress:   body.BTCAddress,
		SparkAddress: body.SparkAddress,
		LNAddress:    body.LNAddress,
		DiscountRate: body.DiscountRate,
		TokenID:      body.TokenID,
		CreatedAt:    s.now().Unix(),
		Nonce:        body.Nonce,
	}
	s.owners[id] = pub
	s.order = append(s.order, id)
	if idem != "" {
		s.created[pub+"/"+idem] = id
	}
	writeJSON(w, http.StatusOK, map[string]string{"paymentRequestId": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	out := make([]backend.PaymentRequest, 0, len(s.order))
	for _, id := range s.order {
		if req, exists := s.requests[id]; exists && s.owners[id] == pub {
			out = append(out, *req)
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"paymentRequests": out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	req, ok := s.requests[id]
	var cp backend.PaymentRequest
	if ok {
		cp = *req
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "payment request not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"paymentRequest": cp})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[id]; !exists || s.owners[id] != pub {
		writeError(w, http.StatusNotFound, "payment request not found")
		return
	}
	delete(s.requests, id)
	delete(s.owners, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	pub, ok := s.authorize(w, r)
	if !ok {
		return
	}
	id, tx := chi.URLParam(r, "id"), chi.URLParam(r, "tx")
	s.mu.Lock()
	defer s.mu.Unlock()
	req, exists := s.requests[id]
	if !exists || s.owners[id] != pub {
		writeError(w, http.StatusNotFound, "payment request not found")
		return
	}
	if req.SettledTx != "" && req.SettledTx != tx {
		writeError(w, http.StatusConflict, "already settled")
		return
	}
	req.SettledTx = tx
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	id, tx := chi.URLParam(r, "id"), chi.URLParam(r, "tx")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRedeem > 0 {
		s.failRedeem--
		writeError(w, http.StatusServiceUnavailable, "redeem unavailable")
		return
	}
	req, exists := s.requests[id]
	if !exists {
		writeError(w, http.StatusNotFound, "payment request not found")
		return
	}
	if req.RedeemTx != "" {
		writeError(w, http.StatusConflict, "already redeemed")
		return
	}
	for _, other := range s.requests {
		if other.RedeemTx == tx {
			writeError(w, http.StatusConflict, "burn already used")
			return
		}
	}
	if s.verifier == nil {
		writeError(w, http.StatusUnprocessableEntity, "burn not verifiable")
		return
	}
	amount, err := s.verifier(*req, tx)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	req.RedeemTx = tx
	req.RedeemAmount = amount
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	quote, ok := s.prices[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no price")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"btc": quote.BTC, "endtime": quote.EndTime.UnixMilli()})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	tx := chi.URLParam(r, "tx")
	s.mu.Lock()
	receipt, ok := s.receipts[tx]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "receipt not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipt": receipt})
}

func (s *Server) handlePatchReceipt(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r); !ok {
		return
	}
	var body struct {
		Description string `json:"description"`
		Recipient   string `json:"recipient"`
		PaymentID   string `json:"paymentId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	receipt := backend.Receipt{
		TxID:        chi.URLParam(r, "tx"),
		Description: body.Description,
		PaymentID:   body.PaymentID,
	}
	if strings.TrimSpace(body.Recipient) != "" {
		var rec backend.Recipient
		if err := json.Unmarshal([]byte(body.Recipient), &rec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid recipient")
			return
		}
		receipt.Recipient = &rec
	}
	s.mu.Lock()
	receipt.CreatedAt = s.now().Unix()
	s.receipts[receipt.TxID] = receipt
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func randomID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Errorf("backendtest: random id: %w", err))
	}
	return hex.EncodeToString(buf[:])
}
