package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// NetParams maps a network name to its chain parameters.
func NetParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "signet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("wallet: unknown network %q", network)
	}
}

// SparkHRP returns the human readable part of fast-layer addresses on network.
func SparkHRP(network string) string {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet":
		return "spark"
	case "regtest":
		return "sparkrt"
	default:
		return "sparkt"
	}
}

// ValidateAddress performs the structural checks that do not require the
// wallet daemon. On-chain addresses are fully decoded; fast-layer and
// Lightning destinations are checked for shape only.
func ValidateAddress(value string, rail Rail, network string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	switch rail {
	case RailOnchain:
		params, err := NetParams(network)
		if err != nil {
			return false
		}
		addr, err := btcutil.DecodeAddress(value, params)
		if err != nil {
			return false
		}
		return addr.IsForNet(params)
	case RailSpark:
		return validBech32Shape(value, SparkHRP(network))
	case RailLightning:
		return validLightning(value)
	default:
		return false
	}
}

func validBech32Shape(value, hrp string) bool {
	lower := strings.ToLower(value)
	if lower != value && strings.ToUpper(value) != value {
		return false
	}
	sep := strings.LastIndexByte(lower, '1')
	if sep < 1 || lower[:sep] != hrp {
		return false
	}
	data := lower[sep+1:]
	if len(data) < 6 {
		return false
	}
	for _, r := range data {
		if !strings.ContainsRune(bech32Charset, r) {
			return false
		}
	}
	return true
}

// validLightning accepts Lightning addresses (user@domain), BOLT11 invoices
// and LNURL strings.
func validLightning(value string) bool {
	lower := strings.ToLower(value)
	lower = strings.TrimPrefix(lower, "lightning:")
	if user, domain, ok := strings.Cut(lower, "@"); ok {
		if user == "" || strings.ContainsAny(user, " /") {
			return false
		}
		return strings.Contains(domain, ".") && !strings.ContainsAny(domain, " /@")
	}
	for _, hrp := range []string{"lnbcrt", "lnbc", "lntbs", "lntb", "lnurl", "lno"} {
		if strings.HasPrefix(lower, hrp) {
			sep := strings.LastIndexByte(lower, '1')
			if sep < len(hrp) {
				return false
			}
			for _, r := range lower[sep+1:] {
				if !strings.ContainsRune(bech32Charset, r) {
					return false
				}
			}
			return len(lower)-sep-1 >= 6
		}
	}
	return false
}
