// Package memwallet is an in-process wallet.Wallet used by tests and local
// demos. All handles derived from one Ledger share state, so funds sent to an
// address owned by another account of the same ledger are credited there.
package memwallet

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/bech32"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"loopofwork/wallet"
)

// Transfer records a completed send.
type Transfer struct {
	Account uint32
	TxID    string
	Request wallet.SendRequest
	Fee     btcutil.Amount
}

type depositKey struct {
	txID string
	vout uint32
}

type account struct {
	sats     btcutil.Amount
	tokens   map[string]*uint256.Int
	deposits map[depositKey]wallet.Deposit
	issuer   string
}

type token struct {
	meta   wallet.TokenMetadata
	owner  uint32
	supply *uint256.Int
	txs    []wallet.TokenTransaction
}

// Ledger is the shared state behind every handle.
type Ledger struct {
	seed    []byte
	network string
	broker  *wallet.Broker

	mu             sync.Mutex
	accounts       map[uint32]*account
	tokens         map[string]*token
	owners         map[string]uint32
	fees           map[wallet.Rail]btcutil.Amount
	rates          map[string]decimal.Decimal
	ratesErr       error
	status         wallet.NetworkStatus
	claimFailures  map[depositKey]error
	failDerive     map[uint32]error
	rejectNextSend bool
	transfers      []Transfer
	seq            uint64
	now            func() time.Time
}

// NewLedger constructs a ledger whose addresses are a pure function of seed.
func NewLedger(seed []byte, network string) *Ledger {
	if network == "" {
		network = "mainnet"
	}
	return &Ledger{
		seed:          append([]byte(nil), seed...),
		network:       network,
		broker:        wallet.NewBroker(),
		accounts:      make(map[uint32]*account),
		tokens:        make(map[string]*token),
		owners:        make(map[string]uint32),
		fees:          make(map[wallet.Rail]btcutil.Amount),
		rates:         map[string]decimal.Decimal{"USD": decimal.NewFromInt(100_000)},
		status:        wallet.NetworkStatus{Active: true, Status: "operational"},
		claimFailures: make(map[depositKey]error),
		failDerive:    make(map[uint32]error),
		now:           time.Now,
	}
}

// Main returns the handle for account zero.
func (l *Ledger) Main() *Wallet {
	return l.handle(0)
}

func (l *Ledger) handle(n uint32) *Wallet {
	l.mu.Lock()
	l.accountLocked(n)
	l.mu.Unlock()
	return &Wallet{ledger: l, account: n}
}

func (l *Ledger) accountLocked(n uint32) *account {
	acct, ok := l.accounts[n]
	if !ok {
		acct = &account{
			tokens:   make(map[string]*uint256.Int),
			deposits: make(map[depositKey]wallet.Deposit),
		}
		l.accounts[n] = acct
		for _, rail := range wallet.Rails {
			l.owners[l.address(n, rail)] = n
		}
	}
	return acct
}

func (l *Ledger) digest(n uint32, label string) [32]byte {
	buf := make([]byte, 0, len(l.seed)+4+len(label))
	buf = append(buf, l.seed...)
	buf = binary.BigEndian.AppendUint32(buf, n)
	buf = append(buf, label...)
	return blake3.Sum256(buf)
}

func (l *Ledger) address(n uint32, rail wallet.Rail) string {
	sum := l.digest(n, string(rail))
	switch rail {
	case wallet.RailOnchain:
		params, err := wallet.NetParams(l.network)
		if err != nil {
			return ""
		}
		addr, err := btcutil.NewAddressWitnessPubKeyHash(sum[:20], params)
		if err != nil {
			return ""
		}
		return addr.EncodeAddress()
	case wallet.RailSpark:
		conv, err := bech32.ConvertBits(sum[:], 8, 5, true)
		if err != nil {
			return ""
		}
		encoded, err := bech32.Encode(wallet.SparkHRP(l.network), conv)
		if err != nil {
			return ""
		}
		return encoded
	case wallet.RailLightning:
		return hex.EncodeToString(sum[:8]) + "@ln.loopofwork.test"
	default:
		return ""
	}
}

func (l *Ledger) nextTxID(label string) string {
	l.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.seq)
	sum := blake3.Sum256(append(append([]byte(label), l.seed...), buf[:]...))
	return hex.EncodeToString(sum[:])
}

// SetFee configures the flat transfer fee charged on rail.
func (l *Ledger) SetFee(rail wallet.Rail, fee btcutil.Amount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fees[rail] = fee
}

// SetRate sets the fiat per BTC rate reported for currency.
func (l *Ledger) SetRate(currency string, rate decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[strings.ToUpper(currency)] = rate
}

// SetRatesError makes FiatRates fail with err until cleared with nil.
func (l *Ledger) SetRatesError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ratesErr = err
}

// SetStatus overrides the reported network status.
func (l *Ledger) SetStatus(status wallet.NetworkStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = status
}

// Credit adds sats to account n as if a payment arrived on rail.
func (l *Ledger) Credit(n uint32, rail wallet.Rail, amount btcutil.Amount) {
	l.mu.Lock()
	l.accountLocked(n).sats += amount
	txID := l.nextTxID("credit")
	l.mu.Unlock()
	l.broker.Publish(wallet.Event{Kind: wallet.EventPaymentReceived, Account: n, PaymentID: txID, Rail: rail, Amount: amount})
}

// AddDeposit registers an unclaimed on-chain deposit for account n.
func (l *Ledger) AddDeposit(n uint32, txID string, vout uint32, amount btcutil.Amount) {
	l.mu.Lock()
	acct := l.accountLocked(n)
	dep := wallet.Deposit{TxID: txID, Vout: vout, Amount: amount}
	acct.deposits[depositKey{txID, vout}] = dep
	l.mu.Unlock()
	l.broker.Publish(wallet.Event{Kind: wallet.EventUnclaimedDeposits, Account: n, Deposits: []wallet.Deposit{dep}})
}

// FailClaim makes claiming the deposit fail with err.
func (l *Ledger) FailClaim(txID string, vout uint32, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimFailures[depositKey{txID, vout}] = err
}

// FailDerivation makes WithAccountNumber(n) fail with err.
func (l *Ledger) FailDerivation(n uint32, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failDerive[n] = err
}

// RejectNextSend makes the next Send return wallet.ErrUserRejected.
func (l *Ledger) RejectNextSend() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejectNextSend = true
}

// GiveTokens credits base units of tokenID to account n.
func (l *Ledger) GiveTokens(n uint32, tokenID string, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(n)
	bal, ok := acct.tokens[tokenID]
	if !ok {
		bal = new(uint256.Int)
		acct.tokens[tokenID] = bal
	}
	bal.Add(bal, amount)
}

// TokenBalanceOf returns the base-unit holding of tokenID at address.
func (l *Ledger) TokenBalanceOf(address, tokenID string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.owners[address]
	if !ok {
		return new(uint256.Int)
	}
	if bal, ok := l.accountLocked(n).tokens[tokenID]; ok {
		return new(uint256.Int).Set(bal)
	}
	return new(uint256.Int)
}

// RegisterExternal marks address as owned by a synthetic account so funds
// sent there are observable through TokenBalanceOf.
func (l *Ledger) RegisterExternal(address string, n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accountLocked(n)
	l.owners[address] = n
}

// Transfers returns a copy of every completed send.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.transfers...)
}

// Subscribers reports live event subscriptions across all accounts.
func (l *Ledger) Subscribers() int {
	return l.broker.Len()
}

// Wallet is a handle bound to one account of a Ledger.
type Wallet struct {
	ledger  *Ledger
	account uint32
}

var _ wallet.Wallet = (*Wallet)(nil)

func (w *Wallet) AccountNumber() uint32 { return w.account }

func (w *Wallet) Network() string { return w.ledger.network }

func (w *Wallet) SparkAddress(ctx context.Context) (string, error) {
	return w.addr(ctx, wallet.RailSpark)
}

func (w *Wallet) BitcoinAddress(ctx context.Context) (string, error) {
	return w.addr(ctx, wallet.RailOnchain)
}

func (w *Wallet) LightningAddress(ctx context.Context) (string, error) {
	return w.addr(ctx, wallet.RailLightning)
}

func (w *Wallet) addr(ctx context.Context, rail wallet.Rail) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	addr := w.ledger.address(w.account, rail)
	if addr == "" {
		return "", fmt.Errorf("memwallet: cannot derive %s address", rail)
	}
	return addr, nil
}

func (w *Wallet) CreateLightningInvoice(ctx context.Context, amount btcutil.Amount, memo string) (*wallet.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	id := l.nextTxID("invoice" + memo)
	l.mu.Unlock()
	return &wallet.Invoice{Encoded: fmt.Sprintf("lnbc%dn1%s", int64(amount), id[:40])}, nil
}

func (w *Wallet) Balance(ctx context.Context) (*wallet.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(w.account)
	out := &wallet.Balance{Sats: acct.sats, Tokens: make(map[string]wallet.TokenBalance, len(acct.tokens))}
	for id, bal := range acct.tokens {
		tb := wallet.TokenBalance{Balance: new(uint256.Int).Set(bal)}
		if tok, ok := l.tokens[id]; ok {
			tb.Metadata = tok.meta
		} else {
			tb.Metadata = wallet.TokenMetadata{TokenID: id}
		}
		out.Tokens[id] = tb
	}
	return out, nil
}

func (w *Wallet) Send(ctx context.Context, req wallet.SendRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !w.ValidAddress(req.Recipient, req.Rail) {
		return "", fmt.Errorf("%w: %s", wallet.ErrInvalidAddress, req.Recipient)
	}
	l := w.ledger
	l.mu.Lock()
	if l.rejectNextSend {
		l.rejectNextSend = false
		l.mu.Unlock()
		return "", wallet.ErrUserRejected
	}
	acct := l.accountLocked(w.account)
	fee := l.fees[req.Rail]
	if acct.sats < fee {
		l.mu.Unlock()
		return "", wallet.ErrInsufficientFunds
	}
	dest, internal := l.owners[req.Recipient]
	if req.IsToken() {
		bal, ok := acct.tokens[req.TokenID]
		if !ok || bal.Lt(req.TokenAmount) {
			l.mu.Unlock()
			return "", wallet.ErrInsufficientFunds
		}
		bal.Sub(bal, req.TokenAmount)
		if internal {
			target := l.accountLocked(dest)
			tb, ok := target.tokens[req.TokenID]
			if !ok {
				tb = new(uint256.Int)
				target.tokens[req.TokenID] = tb
			}
			tb.Add(tb, req.TokenAmount)
		}
	} else {
		if acct.sats < req.Sats+fee {
			l.mu.Unlock()
			return "", wallet.ErrInsufficientFunds
		}
		acct.sats -= req.Sats
		if internal {
			l.accountLocked(dest).sats += req.Sats
		}
	}
	acct.sats -= fee
	txID := l.nextTxID("send")
	l.transfers = append(l.transfers, Transfer{Account: w.account, TxID: txID, Request: req, Fee: fee})
	l.mu.Unlock()

	l.broker.Publish(wallet.Event{Kind: wallet.EventPaymentSent, Account: w.account, PaymentID: txID, Rail: req.Rail, Amount: req.Sats})
	if internal && !req.IsToken() {
		l.broker.Publish(wallet.Event{Kind: wallet.EventPaymentReceived, Account: dest, PaymentID: txID, Rail: req.Rail, Amount: req.Sats})
	}
	return txID, nil
}

func (w *Wallet) TransferFee(ctx context.Context, req wallet.SendRequest) (btcutil.Amount, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fees[req.Rail], nil
}

func (w *Wallet) CreateToken(ctx context.Context, spec wallet.TokenSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(spec.Name) == "" || strings.TrimSpace(spec.Ticker) == "" {
		return "", fmt.Errorf("memwallet: token name and ticker required")
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(w.account)
	if acct.issuer != "" {
		return "", fmt.Errorf("memwallet: account %d already issued %s", w.account, acct.issuer)
	}
	sum := l.digest(w.account, "token:"+spec.Ticker)
	conv, err := bech32.ConvertBits(sum[:], 8, 5, true)
	if err != nil {
		return "", err
	}
	id, err := bech32.Encode("btkn", conv)
	if err != nil {
		return "", err
	}
	maxSupply := new(uint256.Int)
	if spec.MaxSupply != nil {
		maxSupply.Set(spec.MaxSupply)
	}
	l.tokens[id] = &token{
		meta: wallet.TokenMetadata{
			TokenID:   id,
			Name:      spec.Name,
			Ticker:    spec.Ticker,
			Decimals:  spec.Decimals,
			MaxSupply: maxSupply,
		},
		owner:  w.account,
		supply: new(uint256.Int),
	}
	acct.issuer = id
	return id, nil
}

func (w *Wallet) issuerLocked() (*token, *account, error) {
	acct := w.ledger.accountLocked(w.account)
	if acct.issuer == "" {
		return nil, nil, fmt.Errorf("memwallet: account %d has no issuer token", w.account)
	}
	return w.ledger.tokens[acct.issuer], acct, nil
}

func (w *Wallet) MintTokens(ctx context.Context, amount *uint256.Int) (*wallet.MintResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("memwallet: mint amount required")
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, acct, err := w.issuerLocked()
	if err != nil {
		return nil, err
	}
	next := new(uint256.Int).Add(tok.supply, amount)
	if !tok.meta.MaxSupply.IsZero() && next.Gt(tok.meta.MaxSupply) {
		return nil, fmt.Errorf("memwallet: mint exceeds max supply")
	}
	tok.supply = next
	bal, ok := acct.tokens[tok.meta.TokenID]
	if !ok {
		bal = new(uint256.Int)
		acct.tokens[tok.meta.TokenID] = bal
	}
	bal.Add(bal, amount)
	res := &wallet.MintResult{TxID: l.nextTxID("mint"), At: l.now().UTC()}
	tok.txs = append(tok.txs, wallet.TokenTransaction{TxID: res.TxID, Kind: wallet.TokenMint, Amount: new(uint256.Int).Set(amount), At: res.At})
	return res, nil
}

func (w *Wallet) BurnTokens(ctx context.Context, amount *uint256.Int) (*wallet.MintResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("memwallet: burn amount required")
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, acct, err := w.issuerLocked()
	if err != nil {
		return nil, err
	}
	bal, ok := acct.tokens[tok.meta.TokenID]
	if !ok || bal.Lt(amount) {
		return nil, wallet.ErrInsufficientFunds
	}
	bal.Sub(bal, amount)
	tok.supply.Sub(tok.supply, amount)
	res := &wallet.MintResult{TxID: l.nextTxID("burn"), At: l.now().UTC()}
	tok.txs = append(tok.txs, wallet.TokenTransaction{TxID: res.TxID, Kind: wallet.TokenBurn, Amount: new(uint256.Int).Set(amount), At: res.At})
	return res, nil
}

func (w *Wallet) TokenMetadata(ctx context.Context, tokenID string) (*wallet.TokenMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if tokenID == "" {
		tokenID = l.accountLocked(w.account).issuer
	}
	tok, ok := l.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	meta := tok.meta
	return &meta, nil
}

func (w *Wallet) ListTokenTransactions(ctx context.Context, tokenID string, offset, limit int) ([]wallet.TokenTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	tok, ok := l.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	txs := make([]wallet.TokenTransaction, len(tok.txs))
	copy(txs, tok.txs)
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].At.After(txs[j].At) })
	if offset >= len(txs) {
		return nil, nil
	}
	txs = txs[offset:]
	if limit > 0 && limit < len(txs) {
		txs = txs[:limit]
	}
	return txs, nil
}

func (w *Wallet) WithAccountNumber(ctx context.Context, n uint32) (wallet.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.ledger.mu.Lock()
	err := w.ledger.failDerive[n]
	w.ledger.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.ledger.handle(n), nil
}

func (w *Wallet) ListUnclaimedDeposits(ctx context.Context) ([]wallet.Deposit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accountLocked(w.account)
	out := make([]wallet.Deposit, 0, len(acct.deposits))
	for _, dep := range acct.deposits {
		if !dep.Claimed {
			out = append(out, dep)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TxID == out[j].TxID {
			return out[i].Vout < out[j].Vout
		}
		return out[i].TxID < out[j].TxID
	})
	return out, nil
}

func (w *Wallet) ClaimDeposit(ctx context.Context, txID string, vout uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := w.ledger
	key := depositKey{txID, vout}
	l.mu.Lock()
	acct := l.accountLocked(w.account)
	dep, ok := acct.deposits[key]
	if !ok || dep.Claimed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s:%d", wallet.ErrUnknownDeposit, txID, vout)
	}
	if err := l.claimFailures[key]; err != nil {
		dep.ClaimError = err.Error()
		acct.deposits[key] = dep
		l.mu.Unlock()
		return err
	}
	dep.Claimed = true
	dep.ClaimError = ""
	acct.deposits[key] = dep
	acct.sats += dep.Amount
	l.mu.Unlock()
	l.broker.Publish(wallet.Event{Kind: wallet.EventClaimedDeposits, Account: w.account, Deposits: []wallet.Deposit{dep}})
	return nil
}

func (w *Wallet) Subscribe(kinds ...wallet.EventKind) *wallet.Subscription {
	return w.ledger.broker.Subscribe(w.account, kinds...)
}

func (w *Wallet) ValidAddress(value string, rail wallet.Rail) bool {
	return wallet.ValidateAddress(value, rail, w.ledger.network)
}

func (w *Wallet) NetworkStatus(ctx context.Context) (wallet.NetworkStatus, error) {
	if err := ctx.Err(); err != nil {
		return wallet.NetworkStatus{}, err
	}
	w.ledger.mu.Lock()
	defer w.ledger.mu.Unlock()
	return w.ledger.status, nil
}

func (w *Wallet) FiatRates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := w.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ratesErr != nil {
		return nil, l.ratesErr
	}
	out := make(map[string]decimal.Decimal, len(l.rates))
	for k, v := range l.rates {
		out[k] = v
	}
	return out, nil
}
