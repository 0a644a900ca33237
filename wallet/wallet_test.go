package wallet

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestValidateAddress(t *testing.T) {
	cases := []struct {
		name    string
		value   string
		rail    Rail
		network string
		want    bool
	}{
		{"segwit mainnet", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", RailOnchain, "mainnet", true},
		{"legacy mainnet", "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", RailOnchain, "mainnet", true},
		{"testnet on mainnet", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", RailOnchain, "mainnet", false},
		{"testnet on testnet", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", RailOnchain, "testnet", true},
		{"garbage onchain", "not-an-address", RailOnchain, "mainnet", false},
		{"spark sink", "spark1pgssyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszqgpqyqszykl0d2", RailSpark, "mainnet", true},
		{"spark wrong hrp", "sparkrt1pgssyqszqgpqyqszqgpqyqszqgpqyqsz", RailSpark, "mainnet", false},
		{"spark bad char", "spark1pgssbbbbbbbb", RailSpark, "mainnet", false},
		{"lightning address", "merchant@wallet.example.com", RailLightning, "mainnet", true},
		{"bolt11", "lnbc2500u1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypq", RailLightning, "mainnet", true},
		{"lightning missing domain", "merchant@", RailLightning, "mainnet", false},
		{"spark on lightning", "spark1pgssyqszqgpqyqsz", RailLightning, "mainnet", false},
		{"unknown rail", "merchant@wallet.example.com", Rail("carrier-pigeon"), "mainnet", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidateAddress(tc.value, tc.rail, tc.network); got != tc.want {
				t.Fatalf("ValidateAddress(%q, %s) = %v, want %v", tc.value, tc.rail, got, tc.want)
			}
		})
	}
}

func TestParseRail(t *testing.T) {
	for raw, want := range map[string]Rail{"bitcoin": RailOnchain, " Spark ": RailSpark, "LN": RailLightning} {
		got, err := ParseRail(raw)
		if err != nil {
			t.Fatalf("ParseRail(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("ParseRail(%q) = %s, want %s", raw, got, want)
		}
	}
	if _, err := ParseRail("fax"); err == nil {
		t.Fatalf("expected unknown rail error")
	}
}

func TestSendRequestValidate(t *testing.T) {
	if err := (SendRequest{Rail: RailSpark, Recipient: "x", Sats: 1}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (SendRequest{Rail: RailSpark, Recipient: "x"}).Validate(); err == nil {
		t.Fatalf("expected zero amount rejection")
	}
	token := SendRequest{Rail: RailOnchain, Recipient: "x", TokenID: "tok", TokenAmount: uint256.NewInt(5)}
	if err := token.Validate(); err == nil {
		t.Fatalf("expected token transfer off the fast layer to be rejected")
	}
	token.Rail = RailSpark
	if err := token.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTokenMetadataBaseUnits(t *testing.T) {
	meta := TokenMetadata{Decimals: 6}
	if got := meta.BaseUnits(100); got.Uint64() != 100_000_000 {
		t.Fatalf("unexpected base units %s", got.Dec())
	}
	meta.Decimals = 0
	if got := meta.BaseUnits(7); got.Uint64() != 7 {
		t.Fatalf("unexpected base units %s", got.Dec())
	}
}

func TestBrokerScopesByAccountAndKind(t *testing.T) {
	b := NewBroker()
	received := b.Subscribe(3, EventPaymentReceived)
	all := b.Subscribe(3)
	other := b.Subscribe(4)

	b.Publish(Event{Kind: EventPaymentReceived, Account: 3, PaymentID: "p1"})
	b.Publish(Event{Kind: EventSynced, Account: 3})

	select {
	case evt := <-received.Events():
		if evt.PaymentID != "p1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected payment event")
	}
	select {
	case evt := <-received.Events():
		t.Fatalf("filtered subscriber received %+v", evt)
	default:
	}
	if n := len(all.Events()); n != 2 {
		t.Fatalf("expected 2 buffered events for unfiltered subscriber, got %d", n)
	}
	if n := len(other.Events()); n != 0 {
		t.Fatalf("expected no events for other account, got %d", n)
	}
}

func TestSubscriptionCloseUnregisters(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(1)
	if b.Len() != 1 {
		t.Fatalf("expected one subscriber")
	}
	sub.Close()
	sub.Close()
	if b.Len() != 0 {
		t.Fatalf("expected subscriber removed, got %d", b.Len())
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Kind: EventSynced, Account: 1})
}
