// Package signer signs artifact reports with an Ed25519 key derived from an age identity.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

// ErrNoKey is returned when neither a secret nor a public key is configured.
var ErrNoKey = errors.New("signer: no key configured")

// Signer signs and verifies payloads. A Signer built from a public key alone can only verify.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// New builds a Signer from an age secret key ("AGE-SECRET-KEY-1...") and/or a base64 Ed25519
// public key. When both are given they must belong together.
func New(secretKey, publicKey string) (*Signer, error) {
	secretKey = strings.TrimSpace(secretKey)
	publicKey = strings.TrimSpace(publicKey)
	if secretKey == "" && publicKey == "" {
		return nil, ErrNoKey
	}

	s := &Signer{}
	if secretKey != "" {
		seed, err := seedFromAgeSecret(secretKey)
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secretKey); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if publicKey != "" {
		decoded, err := decodePublicKey(publicKey)
		if err != nil {
			return nil, err
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = decoded
		case !bytes.Equal(s.publicKey, decoded):
			return nil, errors.New("public key does not match secret key")
		}
	}
	return s, nil
}

// CanSign reports whether a private key is loaded.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.privateKey) > 0
}

// Sign returns the base64 Ed25519 signature of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if !s.CanSign() {
		return "", errors.New("signer: no private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks signature over payload. If embeddedKey is set it must match the configured key,
// or, when the signer has none, it is used directly.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil {
		return errors.New("signer: nil")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.publicKey
	if embeddedKey != "" {
		decoded, err := decodePublicKey(embeddedKey)
		if err != nil {
			return err
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("signed by unexpected key")
		}
		key = decoded
	}
	if key == nil {
		return ErrNoKey
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKey returns the base64 Ed25519 public key.
func (s *Signer) PublicKey() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient matching the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

func seedFromAgeSecret(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	seed, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(seed))
	}
	return seed, nil
}
