// Package pairing derives the shared secret a paired couple uses to protect
// their traffic. Each device holds a long-lived X25519 key; the pair secret
// is the ECDH agreement stretched through HKDF, so no passphrase ever ships
// in the client or the repo.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"pairchat-backend/pkg/errors"
)

// KeySize is the byte length of keys and derived secrets.
const KeySize = 32

// hkdfInfo binds derived keys to this protocol so the same ECDH agreement
// cannot be reused for another purpose.
const hkdfInfo = "pairchat-pair-secret-v1"

// KeyPair is one device's long-lived pairing identity.
type KeyPair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// NewKeyPair generates a fresh X25519 key pair.
func NewKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.private[:]); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to generate pairing key", err)
	}

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "failed to derive public key", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SharedSecret derives the couple's secret from our private key and the
// partner's public key. Both sides arrive at the same value.
func (kp *KeyPair) SharedSecret(partnerPublic [KeySize]byte) ([]byte, error) {
	agreement, err := curve25519.X25519(kp.private[:], partnerPublic[:])
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "key agreement failed", err)
	}

	secret := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, agreement, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, "key derivation failed", err)
	}
	return secret, nil
}
