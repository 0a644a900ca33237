// Package rpcwallet implements wallet.Wallet against a local wallet daemon
// speaking JSON-RPC 2.0 over HTTP, with events streamed over a websocket.
package rpcwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"loopofwork/observability"
	"loopofwork/wallet"
)

// Error codes returned by the daemon that map onto wallet sentinels.
const (
	codeUserRejected      = 4001
	codeInsufficientFunds = 4100
	codeUnknownDeposit    = 4200
	codeInvalidAddress    = 4300
)

// RPCError is a JSON-RPC error object returned by the daemon.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("wallet rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps daemon error codes onto wallet sentinels.
func (e *RPCError) Unwrap() error {
	switch e.Code {
	case codeUserRejected:
		return wallet.ErrUserRejected
	case codeInsufficientFunds:
		return wallet.ErrInsufficientFunds
	case codeUnknownDeposit:
		return wallet.ErrUnknownDeposit
	case codeInvalidAddress:
		return wallet.ErrInvalidAddress
	default:
		return nil
	}
}

// Config configures the daemon connection.
type Config struct {
	RPCURL    string
	EventsURL string
	AuthToken string
	Network   string
	HTTP      *http.Client
	Logger    *slog.Logger
}

// Client is the shared connection behind every account handle.
type Client struct {
	rpcURL    string
	eventsURL string
	authToken string
	network   string
	http      *http.Client
	logger    *slog.Logger
	broker    *wallet.Broker
	nextID    atomic.Int64
}

// NewClient constructs a client. Events are only delivered while StreamEvents
// runs.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, fmt.Errorf("rpcwallet: rpc url required")
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	network := strings.TrimSpace(cfg.Network)
	if network == "" {
		network = "mainnet"
	}
	return &Client{
		rpcURL:    strings.TrimSpace(cfg.RPCURL),
		eventsURL: strings.TrimSpace(cfg.EventsURL),
		authToken: strings.TrimSpace(cfg.AuthToken),
		network:   network,
		http:      httpClient,
		logger:    logger,
		broker:    wallet.NewBroker(),
	}, nil
}

// Main returns the handle for the main account.
func (c *Client) Main() *Wallet {
	return &Wallet{client: c, account: 0}
}

// Close terminates every event subscription.
func (c *Client) Close() {
	c.broker.Close()
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("wallet rpc %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("wallet rpc %s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errEmptyResult
	}
	return json.Unmarshal(rpcResp.Result, out)
}

var errEmptyResult = errors.New("wallet rpc returned empty result")

// StreamEvents consumes the daemon's event stream and republishes events to
// subscribers until ctx is cancelled, reconnecting after failures.
func (c *Client) StreamEvents(ctx context.Context) error {
	if c.eventsURL == "" {
		return fmt.Errorf("rpcwallet: events url not configured")
	}
	backoff := time.Second
	for {
		err := c.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("wallet event stream interrupted", slog.Any("error", err), slog.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) streamOnce(ctx context.Context) error {
	header := http.Header{}
	if c.authToken != "" {
		header.Set("Authorization", "Bearer "+c.authToken)
	}
	conn, _, err := websocket.Dial(ctx, c.eventsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	for {
		var msg wireEvent
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		evt, ok := msg.event()
		if !ok {
			observability.WalletEvents().RecordEvent("unknown")
			continue
		}
		observability.WalletEvents().RecordEvent(string(evt.Kind))
		c.broker.Publish(evt)
	}
}

type wireEvent struct {
	Type      string        `json:"type"`
	Account   uint32        `json:"account"`
	PaymentID string        `json:"paymentId"`
	Method    string        `json:"method"`
	Amount    int64         `json:"amountSats"`
	Deposits  []wireDeposit `json:"deposits"`
	Timestamp int64         `json:"timestamp"`
}

func (w wireEvent) event() (wallet.Event, bool) {
	kind := wallet.EventKind(w.Type)
	switch kind {
	case wallet.EventSynced, wallet.EventPaymentReceived, wallet.EventPaymentSent,
		wallet.EventPaymentPending, wallet.EventPaymentFailed,
		wallet.EventUnclaimedDeposits, wallet.EventClaimedDeposits:
	default:
		return wallet.Event{}, false
	}
	evt := wallet.Event{
		Kind:      kind,
		Account:   w.Account,
		PaymentID: w.PaymentID,
		Amount:    btcAmount(w.Amount),
	}
	if rail, err := wallet.ParseRail(w.Method); err == nil {
		evt.Rail = rail
	}
	if w.Timestamp > 0 {
		evt.At = time.Unix(w.Timestamp, 0).UTC()
	}
	for _, d := range w.Deposits {
		evt.Deposits = append(evt.Deposits, d.deposit())
	}
	return evt, true
}
