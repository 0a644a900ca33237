package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"loopofwork/backend"
	"loopofwork/backend/backendtest"
	"loopofwork/identity"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newLoggedInClient(t *testing.T, srv *backendtest.Server) (*backend.Client, *identity.Authenticator) {
	t.Helper()
	client, err := backend.New(backend.Config{BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	auth := identity.NewAuthenticator(client)
	client.SetTokenSource(auth)
	_, err = auth.LoginWithSecret(context.Background(), testMnemonic, false)
	require.NoError(t, err)
	return client, auth
}

func TestClientPaymentRequestLifecycle(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	client, auth := newLoggedInClient(t, srv)
	ctx := context.Background()

	session := auth.Session()
	require.NotNil(t, session)
	require.NoError(t, client.CheckSession(ctx, session.Token))

	nonce, err := client.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(0), nonce)

	id, err := client.CreatePaymentRequest(ctx, backend.CreatePaymentRequest{
		Amount:       decimal.RequireFromString("10.50"),
		Description:  "coffee",
		BTCAddress:   "bc1qexample",
		SparkAddress: "spark1example",
		LNAddress:    "shop@example.com",
		TokenID:      "btkn1loyalty",
		DiscountRate: decimal.NewFromInt(10),
		Nonce:        nonce + 1,
	})
	require.NoError(t, err)

	next, err := client.NextNonce(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), next)

	list, err := client.ListPaymentRequests(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, id, list[0].ID)
	require.True(t, list[0].Amount.Equal(decimal.RequireFromString("10.5")))

	got, err := client.GetPaymentRequest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "coffee", got.Description)
	require.Equal(t, "btkn1loyalty", got.TokenID)
	require.Empty(t, got.SettledTx)

	require.NoError(t, client.Settle(ctx, id, "tx-1"))
	got, err = client.GetPaymentRequest(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "tx-1", got.SettledTx)
	err = client.Settle(ctx, id, "tx-2")
	require.True(t, backend.IsStatus(err, http.StatusConflict), "expected conflict, got %v", err)

	end := time.UnixMilli(time.Now().Add(5 * time.Minute).UnixMilli()).UTC()
	srv.SetPrice(id, decimal.RequireFromString("0.00009"), end)
	price, err := client.Price(ctx, id)
	require.NoError(t, err)
	require.True(t, price.BTC.Equal(decimal.RequireFromString("0.00009")))
	require.True(t, price.EndTime.Equal(end))

	require.NoError(t, client.DeletePaymentRequest(ctx, id))
	_, err = client.GetPaymentRequest(ctx, id)
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestClientRetriesOnceAfterSessionRejected(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	client, _ := newLoggedInClient(t, srv)

	srv.ExpireSessions()
	_, err := client.ListPaymentRequests(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, srv.Hits("POST /auth/verify"))
	require.Equal(t, 2, srv.Hits("GET /payment-requests"))
}

func TestClientSendsIdempotencyKeys(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	client, _ := newLoggedInClient(t, srv)
	ctx := context.Background()

	in := backend.CreatePaymentRequest{
		Amount:         decimal.NewFromInt(5),
		Description:    "tea",
		Nonce:          1,
		IdempotencyKey: "fee-1",
	}
	first, err := client.CreatePaymentRequest(ctx, in)
	require.NoError(t, err)
	again, err := client.CreatePaymentRequest(ctx, in)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, srv.Count())
	require.Equal(t, []string{"fee-1", "fee-1"}, srv.IdempotencyKeys("POST /payment-request"))

	srv.ExpireSessions()
	require.NoError(t, client.Settle(ctx, first, "tx-1"))
	keys := srv.IdempotencyKeys("POST /payment-request/{id}/settle/{tx}")
	require.Len(t, keys, 2)
	require.NotEmpty(t, keys[0])
	require.Equal(t, keys[0], keys[1])

	require.NoError(t, client.Settle(ctx, first, "tx-1"))
	keys = srv.IdempotencyKeys("POST /payment-request/{id}/settle/{tx}")
	require.Len(t, keys, 3)
	require.NotEqual(t, keys[0], keys[2])
}

func TestClientReceipts(t *testing.T) {
	srv := backendtest.New()
	defer srv.Close()
	client, _ := newLoggedInClient(t, srv)
	ctx := context.Background()

	receipt, err := client.GetReceipt(ctx, "mint-1")
	require.NoError(t, err)
	require.Nil(t, receipt)

	require.NoError(t, client.PatchReceipt(ctx, "mint-1", backend.ReceiptPatch{
		Description: "thank you",
		Recipient:   &backend.Recipient{Name: "Ada", Address: "spark1ada"},
		PaymentID:   "req-1",
	}))
	receipt, err = client.GetReceipt(ctx, "mint-1")
	require.NoError(t, err)
	require.NotNil(t, receipt)
	require.Equal(t, "thank you", receipt.Description)
	require.Equal(t, "req-1", receipt.PaymentID)
	require.NotNil(t, receipt.Recipient)
	require.Equal(t, "Ada", receipt.Recipient.Name)
}

func TestReceiptAcceptsEncodedRecipient(t *testing.T) {
	raw := `{"tx_id":"t","description":"d","recipient":"{\"name\":\"Bob\",\"address\":\"x\"}","payment_id":"p"}`
	var receipt backend.Receipt
	require.NoError(t, json.Unmarshal([]byte(raw), &receipt))
	require.NotNil(t, receipt.Recipient)
	require.Equal(t, "Bob", receipt.Recipient.Name)

	require.NoError(t, json.Unmarshal([]byte(`{"tx_id":"t","recipient":""}`), &receipt))
	require.Nil(t, receipt.Recipient)
}

func TestClientRejectsBadLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/challenge":
			_, _ = w.Write([]byte(`{"nonce":"abc"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()
	client, err := backend.New(backend.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	auth := identity.NewAuthenticator(client)
	_, err = auth.LoginWithSecret(context.Background(), testMnemonic, false)
	require.ErrorIs(t, err, identity.ErrAuthenticationFailed)
}

func TestClientErrors(t *testing.T) {
	srv := backendtest.New()
	client, err := backend.New(backend.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = client.ListPaymentRequests(context.Background())
	require.ErrorIs(t, err, backend.ErrNoTokenSource)

	err = client.Redeem(context.Background(), "missing", "tx")
	require.ErrorIs(t, err, backend.ErrNotFound)

	srv.Close()
	_, err = client.GetPaymentRequest(context.Background(), "any")
	require.True(t, errors.Is(err, backend.ErrNetwork), "expected network error, got %v", err)

	_, err = backend.New(backend.Config{BaseURL: "ftp://example"})
	require.Error(t, err)
}
