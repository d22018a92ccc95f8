// Package keys implements identity management: secp256k1 key generation,
// bech32/hex encodings, and BIP340 event signing.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/gathersocial/gather/internal/protocol"
)

// Human-readable prefixes for the bech32 encodings.
const (
	SecretKeyPrefix = "nsec"
	PublicKeyPrefix = "npub"
)

// FormatError reports a malformed key encoding: bad checksum, wrong length,
// or wrong human-readable prefix.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "keys: " + e.Reason
}

// SecretKey is a private scalar on secp256k1. The invariant 0 < s < N is
// established at construction and never rechecked.
type SecretKey struct {
	priv *btcec.PrivateKey
}

// GeneratePrivateKey draws uniformly random 32-byte candidates from
// crypto/rand and rejects zero and anything >= the curve order.
func GeneratePrivateKey() (*SecretKey, error) {
	order := btcec.S256().N
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("read random scalar: %w", err)
		}
		k := new(big.Int).SetBytes(buf[:])
		if k.Sign() > 0 && k.Cmp(order) < 0 {
			priv, _ := btcec.PrivKeyFromBytes(buf[:])
			return &SecretKey{priv: priv}, nil
		}
	}
}

// DecodeSecretKey accepts the canonical nsec bech32 form or, as a
// convenience, a raw 64-character hex string. Hex input is normalized to the
// same internal representation.
func DecodeSecretKey(s string) (*SecretKey, error) {
	s = strings.TrimSpace(s)
	if len(s) == 64 && isHex(s) {
		raw, err := hex.DecodeString(s)
		if err != nil {
			return nil, &FormatError{Reason: "invalid hex key: " + err.Error()}
		}
		return secretFromBytes(raw)
	}

	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, &FormatError{Reason: "invalid bech32 key: " + err.Error()}
	}
	if hrp != SecretKeyPrefix {
		return nil, &FormatError{Reason: fmt.Sprintf("wrong prefix %q, want %q", hrp, SecretKeyPrefix)}
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, &FormatError{Reason: "invalid key payload: " + err.Error()}
	}
	return secretFromBytes(raw)
}

func secretFromBytes(raw []byte) (*SecretKey, error) {
	if len(raw) != 32 {
		return nil, &FormatError{Reason: fmt.Sprintf("key is %d bytes, want 32", len(raw))}
	}
	k := new(big.Int).SetBytes(raw)
	if k.Sign() == 0 || k.Cmp(btcec.S256().N) >= 0 {
		return nil, &FormatError{Reason: "scalar outside the valid range"}
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return &SecretKey{priv: priv}, nil
}

// Bytes returns the 32-byte scalar.
func (sk *SecretKey) Bytes() []byte {
	return sk.priv.Serialize()
}

// Hex returns the scalar as lowercase hex.
func (sk *SecretKey) Hex() string {
	return hex.EncodeToString(sk.Bytes())
}

// Nsec returns the canonical checksum-protected textual encoding.
func (sk *SecretKey) Nsec() (string, error) {
	return encodeBech32(SecretKeyPrefix, sk.Bytes())
}

// PublicKey returns the derived x-only public identifier as 64-char hex.
// Deterministic: always re-derivable from the scalar, never stored as a
// source of truth.
func (sk *SecretKey) PublicKey() string {
	return hex.EncodeToString(schnorr.SerializePubKey(sk.priv.PubKey()))
}

// Npub returns the bech32 encoding of the public identifier.
func (sk *SecretKey) Npub() (string, error) {
	return encodeBech32(PublicKeyPrefix, schnorr.SerializePubKey(sk.priv.PubKey()))
}

// Sign completes and signs an unsigned event in place: defaults for
// CreatedAt/Tags/Content are filled if absent, then the canonical ID and the
// BIP340 signature over it are computed. Pure aside from the time read.
func (sk *SecretKey) Sign(ev *protocol.Event, now int64) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = now
	}
	if ev.Tags == nil {
		ev.Tags = protocol.Tags{}
	}
	ev.PubKey = sk.PublicKey()

	id, err := ev.ComputeID()
	if err != nil {
		return err
	}
	ev.ID = id

	hash, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}
	sig, err := schnorr.Sign(sk.priv, hash)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event ID matches its canonical hash and that the
// signature validates against the author's public identifier.
func Verify(ev *protocol.Event) (bool, error) {
	id, err := ev.ComputeID()
	if err != nil {
		return false, err
	}
	if id != ev.ID {
		return false, nil
	}
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return false, &FormatError{Reason: "invalid pubkey hex: " + err.Error()}
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return false, &FormatError{Reason: "invalid pubkey: " + err.Error()}
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return false, &FormatError{Reason: "invalid signature hex: " + err.Error()}
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false, &FormatError{Reason: "invalid signature: " + err.Error()}
	}
	hash, err := hex.DecodeString(ev.ID)
	if err != nil {
		return false, &FormatError{Reason: "invalid event id hex: " + err.Error()}
	}
	return sig.Verify(hash, pub), nil
}

func encodeBech32(hrp string, raw []byte) (string, error) {
	conv, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert bits: %w", err)
	}
	return bech32.Encode(hrp, conv)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
