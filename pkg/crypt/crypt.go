// Package crypt implements the control channel session crypto: the nonce
// based key schedule plus the AES-CTR cipher and HMAC tags applied to every
// frame after the handshake.
//
// The master key, labels and tag layout are fixed protocol details sourced
// from captures of the official companion app. The console derives the same
// keys from the same nonce pair and rejects the session on any disagreement,
// so none of the constants here are negotiable.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	NonceSize = 16
	TagSize   = 16

	cipherKeySize = 16
	hmacKeySize   = 32
)

// Shared constant keying the HKDF schedule. Both peers hold it baked into
// firmware / app binary.
var masterKey = []byte{
	0x52, 0x50, 0x43, 0x54, 0x4c, 0x30, 0x30, 0x32,
	0xa3, 0x8e, 0x71, 0x0d, 0xc4, 0x5f, 0x2b, 0x96,
	0x1b, 0xd9, 0x84, 0x47, 0x6a, 0x33, 0xf0, 0xe5,
	0x08, 0xc2, 0x9d, 0x5e, 0xb1, 0x7a, 0x26, 0xfd,
}

var ErrIntegrity = errors.New("crypt: integrity tag mismatch")

// Role selects which directional key stream belongs to the local peer. The
// same schedule serves both real clients and console impersonation.
type Role byte

const (
	RoleClient Role = iota
	RoleConsole
)

// Nonce returns a fresh random handshake nonce.
func Nonce() ([]byte, error) {
	b := make([]byte, NonceSize)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Session holds the negotiated keys of one control session. Never reused:
// a new connection means new nonces and a new Session.
type Session struct {
	enc     cipher.Stream
	dec     cipher.Stream
	hmacKey []byte
}

// NewSession derives the session keys from the two handshake nonces.
// Counter streams are continuous across frames, one per direction, so
// frames must be encrypted and decrypted strictly in wire order.
func NewSession(role Role, clientNonce, serverNonce []byte) (*Session, error) {
	if len(clientNonce) != NonceSize || len(serverNonce) != NonceSize {
		return nil, fmt.Errorf("crypt: bad nonce size %d/%d", len(clientNonce), len(serverNonce))
	}

	salt := make([]byte, 0, NonceSize*2)
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)
	prk := hkdf.Extract(sha256.New, masterKey, salt)

	cipherKey, err := expand(prk, "session-cipher", cipherKeySize)
	if err != nil {
		return nil, err
	}
	hmacKey, err := expand(prk, "session-hmac", hmacKeySize)
	if err != nil {
		return nil, err
	}
	clientIV, err := expand(prk, "client-iv", aes.BlockSize)
	if err != nil {
		return nil, err
	}
	serverIV, err := expand(prk, "server-iv", aes.BlockSize)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}

	client := cipher.NewCTR(block, clientIV)
	server := cipher.NewCTR(block, serverIV)

	s := &Session{hmacKey: hmacKey}
	if role == RoleClient {
		s.enc, s.dec = client, server
	} else {
		s.enc, s.dec = server, client
	}
	return s, nil
}

func expand(prk []byte, label string, size int) ([]byte, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(label)), b); err != nil {
		return nil, err
	}
	return b, nil
}

// Encrypt advances the outgoing key stream. Returns a new slice.
func (s *Session) Encrypt(plaintext []byte) []byte {
	b := make([]byte, len(plaintext))
	s.enc.XORKeyStream(b, plaintext)
	return b
}

// Decrypt advances the incoming key stream. Returns a new slice.
func (s *Session) Decrypt(ciphertext []byte) []byte {
	b := make([]byte, len(ciphertext))
	s.dec.XORKeyStream(b, ciphertext)
	return b
}

// Tag computes the truncated HMAC carried by every encrypted frame. The
// parts are the frame header followed by the ciphertext.
func (s *Session) Tag(parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, s.hmacKey)
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)[:TagSize]
}

// Verify checks a received tag. A false result means tamper or key
// desync and must be fatal to the session.
func (s *Session) Verify(tag []byte, parts ...[]byte) bool {
	return hmac.Equal(tag, s.Tag(parts...))
}
