// Package wallet describes the wallet capability the payment core consumes.
// Implementations live in subpackages: rpcwallet talks to a local wallet
// daemon and memwallet is an in-process fixture.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Rail identifies a settlement channel.
type Rail string

const (
	// RailOnchain settles on the Bitcoin base layer.
	RailOnchain Rail = "onchain"
	// RailSpark settles on the fast layer-2 network.
	RailSpark Rail = "spark"
	// RailLightning settles over the payment-channel network.
	RailLightning Rail = "lightning"
)

// Rails lists every supported rail in display order.
var Rails = []Rail{RailSpark, RailLightning, RailOnchain}

// ParseRail normalises user supplied rail names. "bitcoin" is accepted as an
// alias for the on-chain rail.
func ParseRail(raw string) (Rail, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "onchain", "bitcoin", "btc":
		return RailOnchain, nil
	case "spark":
		return RailSpark, nil
	case "lightning", "ln":
		return RailLightning, nil
	default:
		return "", fmt.Errorf("wallet: unknown rail %q", raw)
	}
}

var (
	// ErrUserRejected is returned when the wallet owner declines to sign.
	ErrUserRejected = errors.New("wallet: user rejected request")
	// ErrInsufficientFunds is returned when a send exceeds the spendable balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrUnknownDeposit is returned when claiming a deposit the wallet does not track.
	ErrUnknownDeposit = errors.New("wallet: unknown deposit")
	// ErrInvalidAddress is returned when a recipient fails rail validation.
	ErrInvalidAddress = errors.New("wallet: invalid address")
)

// Addresses bundles one receive address per rail.
type Addresses struct {
	Spark     string `json:"spark"`
	Onchain   string `json:"onchain"`
	Lightning string `json:"lightning"`
}

// For returns the address registered for the rail.
func (a Addresses) For(rail Rail) string {
	switch rail {
	case RailSpark:
		return a.Spark
	case RailOnchain:
		return a.Onchain
	case RailLightning:
		return a.Lightning
	default:
		return ""
	}
}

// TokenMetadata describes an issued token.
type TokenMetadata struct {
	TokenID   string       `json:"tokenId"`
	Name      string       `json:"name"`
	Ticker    string       `json:"ticker"`
	Decimals  uint8        `json:"decimals"`
	MaxSupply *uint256.Int `json:"maxSupply"`
}

// BaseUnits scales whole tokens into base units.
func (m TokenMetadata) BaseUnits(whole uint64) *uint256.Int {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(m.Decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(whole), scale)
}

// WholeUnits converts base units back to whole tokens, rounding down.
func (m TokenMetadata) WholeUnits(base *uint256.Int) uint64 {
	if base == nil {
		return 0
	}
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(m.Decimals)))
	return new(uint256.Int).Div(base, scale).Uint64()
}

// TokenBalance pairs a holding with its metadata.
type TokenBalance struct {
	Balance  *uint256.Int  `json:"balance"`
	Metadata TokenMetadata `json:"metadata"`
}

// Balance captures spendable sats plus token holdings keyed by token id.
type Balance struct {
	Sats   btcutil.Amount          `json:"sats"`
	Tokens map[string]TokenBalance `json:"tokens"`
}

// Deposit is an on-chain output the wallet has observed but not yet claimed.
type Deposit struct {
	TxID       string         `json:"txid"`
	Vout       uint32         `json:"vout"`
	Amount     btcutil.Amount `json:"amountSats"`
	Claimed    bool           `json:"claimed"`
	ClaimError string         `json:"claimError,omitempty"`
}

// Invoice is a Lightning payment request.
type Invoice struct {
	Encoded string         `json:"invoice"`
	Fee     btcutil.Amount `json:"feeSats"`
}

// SendRequest describes a transfer. A non-empty TokenID moves TokenAmount base
// units of that token instead of sats.
type SendRequest struct {
	Rail        Rail
	Recipient   string
	Sats        btcutil.Amount
	TokenID     string
	TokenAmount *uint256.Int
}

// IsToken reports whether the request moves tokens.
func (r SendRequest) IsToken() bool {
	return strings.TrimSpace(r.TokenID) != ""
}

// Validate checks the request shape without touching the network.
func (r SendRequest) Validate() error {
	if strings.TrimSpace(r.Recipient) == "" {
		return fmt.Errorf("wallet: recipient required")
	}
	if r.IsToken() {
		if r.Rail != RailSpark {
			return fmt.Errorf("wallet: token transfers only supported on %s", RailSpark)
		}
		if r.TokenAmount == nil || r.TokenAmount.IsZero() {
			return fmt.Errorf("wallet: token amount required")
		}
		return nil
	}
	if r.Sats <= 0 {
		return fmt.Errorf("wallet: amount must be positive")
	}
	return nil
}

// TokenSpec configures a new issuer token.
type TokenSpec struct {
	Name      string       `json:"name"`
	Ticker    string       `json:"ticker"`
	Decimals  uint8        `json:"decimals"`
	MaxSupply *uint256.Int `json:"maxSupply"`
	Freezable bool         `json:"isFreezable"`
}

// TokenTxKind classifies an issuer token transaction.
type TokenTxKind string

const (
	TokenMint TokenTxKind = "mint"
	TokenBurn TokenTxKind = "burn"
)

// TokenTransaction is a completed issuer token movement.
type TokenTransaction struct {
	TxID   string       `json:"txHash"`
	Kind   TokenTxKind  `json:"type"`
	Amount *uint256.Int `json:"amount"`
	At     time.Time    `json:"date"`
}

// MintResult identifies a mint or burn transaction.
type MintResult struct {
	TxID string    `json:"id"`
	At   time.Time `json:"timestamp"`
}

// NetworkStatus reports fast-layer availability.
type NetworkStatus struct {
	Active bool   `json:"active"`
	Status string `json:"status"`
}

// Wallet is the capability consumed by the payment core. Implementations are
// expected to be safe for concurrent use.
type Wallet interface {
	// AccountNumber is the derivation index this handle is bound to. Zero is
	// the main account.
	AccountNumber() uint32
	Network() string

	SparkAddress(ctx context.Context) (string, error)
	BitcoinAddress(ctx context.Context) (string, error)
	LightningAddress(ctx context.Context) (string, error)
	CreateLightningInvoice(ctx context.Context, amount btcutil.Amount, memo string) (*Invoice, error)

	Balance(ctx context.Context) (*Balance, error)
	Send(ctx context.Context, req SendRequest) (string, error)
	TransferFee(ctx context.Context, req SendRequest) (btcutil.Amount, error)

	CreateToken(ctx context.Context, spec TokenSpec) (string, error)
	MintTokens(ctx context.Context, amount *uint256.Int) (*MintResult, error)
	BurnTokens(ctx context.Context, amount *uint256.Int) (*MintResult, error)
	// TokenMetadata returns metadata for tokenID, or for the wallet's own
	// issuer token when tokenID is empty. A nil result means unknown.
	TokenMetadata(ctx context.Context, tokenID string) (*TokenMetadata, error)
	ListTokenTransactions(ctx context.Context, tokenID string, offset, limit int) ([]TokenTransaction, error)

	// WithAccountNumber returns a handle for the sub-account at index n. The
	// same n always yields handles observing the same addresses and balance.
	WithAccountNumber(ctx context.Context, n uint32) (Wallet, error)

	ListUnclaimedDeposits(ctx context.Context) ([]Deposit, error)
	ClaimDeposit(ctx context.Context, txID string, vout uint32) error

	// Subscribe registers for events of the given kinds. No kinds means all.
	Subscribe(kinds ...EventKind) *Subscription

	ValidAddress(value string, rail Rail) bool
	NetworkStatus(ctx context.Context) (NetworkStatus, error)
	// FiatRates returns fiat per BTC keyed by upper case currency code.
	FiatRates(ctx context.Context) (map[string]decimal.Decimal, error)
}

// ReceiveAddresses collects one receive address per rail from w.
func ReceiveAddresses(ctx context.Context, w Wallet) (Addresses, error) {
	var out Addresses
	var err error
	if out.Spark, err = w.SparkAddress(ctx); err != nil {
		return Addresses{}, fmt.Errorf("spark address: %w", err)
	}
	if out.Onchain, err = w.BitcoinAddress(ctx); err != nil {
		return Addresses{}, fmt.Errorf("bitcoin address: %w", err)
	}
	if out.Lightning, err = w.LightningAddress(ctx); err != nil {
		return Addresses{}, fmt.Errorf("lightning address: %w", err)
	}
	return out, nil
}
