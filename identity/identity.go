// Package identity derives the merchant's wallet-bound identity key and runs
// the challenge-response login that binds a backend session to it. Neither
// the secret phrase nor the private key ever leaves the process.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/text/unicode/norm"
)

// DerivationPath is the fixed BIP-32 path of the identity key.
const DerivationPath = "m/84'/0'/0'/0/0"

// ChallengeDomain prefixes every signed challenge so signatures cannot be
// replayed against other protocols.
const ChallengeDomain = "loopofwork:"

var (
	// ErrInvalidSecret is returned when the secret phrase fails checksum validation.
	ErrInvalidSecret = errors.New("identity: invalid secret phrase")
	// ErrAuthenticationFailed is returned when the backend rejects a login.
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
	// ErrSessionInvalid is returned when a session token is expired or revoked.
	ErrSessionInvalid = errors.New("identity: session invalid")
	// ErrReauthRequired is returned when a session lapsed and no cached secret
	// is available for silent re-authentication.
	ErrReauthRequired = errors.New("identity: interactive re-authentication required")
)

var derivationSteps = []uint32{
	hdkeychain.HardenedKeyStart + 84,
	hdkeychain.HardenedKeyStart + 0,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// Identity is the keypair derived from the secret phrase.
type Identity struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NormalizePhrase applies NFKD normalisation and collapses whitespace.
func NormalizePhrase(phrase string) string {
	return strings.Join(strings.Fields(norm.NFKD.String(phrase)), " ")
}

// DeriveIdentity derives the identity key from a BIP-39 secret phrase along
// DerivationPath.
func DeriveIdentity(phrase string) (*Identity, error) {
	mnemonic := NormalizePhrase(phrase)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidSecret
	}
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecret, err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("identity: master key: %w", err)
	}
	for _, idx := range derivationSteps {
		key, err = key.Child(idx)
		if err != nil {
			return nil, fmt.Errorf("identity: derive child %d: %w", idx, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("identity: private key: %w", err)
	}
	return &Identity{
		priv:   priv,
		pubHex: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
	}, nil
}

// PublicKey returns the compressed public key in hex.
func (i *Identity) PublicKey() string {
	if i == nil {
		return ""
	}
	return i.pubHex
}

// SignChallenge returns the hex DER signature over the domain separated
// challenge digest. Signatures are deterministic and low-S.
func (i *Identity) SignChallenge(nonce string) (string, error) {
	if i == nil || i.priv == nil {
		return "", fmt.Errorf("identity: key wiped")
	}
	digest := ChallengeDigest(nonce)
	sig, err := i.priv.Sign(digest[:])
	if err != nil {
		return "", fmt.Errorf("identity: sign challenge: %w", err)
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// Wipe zeroes the private scalar.
func (i *Identity) Wipe() {
	if i == nil || i.priv == nil {
		return
	}
	if i.priv.D != nil {
		i.priv.D.SetInt64(0)
	}
	i.priv = nil
}

// ChallengeDigest is sha256(ChallengeDomain || nonce).
func ChallengeDigest(nonce string) [32]byte {
	return sha256.Sum256([]byte(ChallengeDomain + nonce))
}

// VerifyChallenge checks a hex DER signature produced by SignChallenge.
func VerifyChallenge(publicKeyHex, signatureHex, nonce string) error {
	pubBytes, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return fmt.Errorf("%w: public key encoding", ErrAuthenticationFailed)
	}
	pub, err := btcec.ParsePubKey(pubBytes, btcec.S256())
	if err != nil {
		return fmt.Errorf("%w: public key", ErrAuthenticationFailed)
	}
	sigBytes, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return fmt.Errorf("%w: signature encoding", ErrAuthenticationFailed)
	}
	sig, err := btcec.ParseDERSignature(sigBytes, btcec.S256())
	if err != nil {
		return fmt.Errorf("%w: signature", ErrAuthenticationFailed)
	}
	digest := ChallengeDigest(nonce)
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthenticationFailed)
	}
	return nil
}
