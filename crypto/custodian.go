// Package crypto implements the key custodian: generation of room/direct
// content keys and their asymmetric wrapping to client-supplied public keys.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
)

// KeySize is the length of a content key in raw bytes (256-bit class).
const KeySize = 32

const defaultRSABits = 2048

// CryptoError reports malformed key material or a failed wrap/unwrap. It is
// scoped to the single key-distribution step that triggered it.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Custodian holds the relay's asymmetric keypair, generated once at startup.
// The private key is used exclusively to decrypt client-submitted values
// (credentials encrypted against PublicKeyPEM); content keys are only ever
// wrapped to client keys, never to the relay's own.
type Custodian struct {
	priv *rsa.PrivateKey
}

// NewCustodian generates a fresh RSA keypair. bits <= 0 selects the 2048-bit
// default.
func NewCustodian(bits int) (*Custodian, error) {
	if bits <= 0 {
		bits = defaultRSABits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &CryptoError{Op: "generate keypair", Err: err}
	}
	return &Custodian{priv: priv}, nil
}

// NewSymmetricKey generates a random content key, returned in its base64
// canonical form. Pure generation, no state is kept.
func (c *Custodian) NewSymmetricKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", &CryptoError{Op: "generate key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Wrap encrypts a content key to the recipient's PEM-encoded RSA public key
// and returns the base64 ciphertext. The recipient recovers the key with its
// private key off-server; the relay keeps no record of the grant.
func (c *Custodian) Wrap(key, recipientPublicKeyPEM string) (string, error) {
	pub, err := parsePublicKeyPEM(recipientPublicKeyPEM)
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(key))
	if err != nil {
		return "", &CryptoError{Op: "wrap key", Err: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Unwrap decrypts a base64 ciphertext with the relay's own private key. Used
// by the surrounding layer for client-submitted credentials, not for content
// keys wrapped to clients.
func (c *Custodian) Unwrap(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &CryptoError{Op: "decode ciphertext", Err: err}
	}
	plain, err := rsa.DecryptPKCS1v15(nil, c.priv, raw)
	if err != nil {
		return "", &CryptoError{Op: "unwrap", Err: err}
	}
	return string(plain), nil
}

// PublicKeyPEM returns the relay's public key in PKCS#1 PEM form, served to
// clients that need to encrypt credentials to the relay.
func (c *Custodian) PublicKeyPEM() string {
	block := &pem.Block{
		Type:  "RSA PUBLIC KEY",
		Bytes: x509.MarshalPKCS1PublicKey(&c.priv.PublicKey),
	}
	return string(pem.EncodeToMemory(block))
}

// parsePublicKeyPEM accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX
// ("PUBLIC KEY") encodings, since browser crypto APIs export the latter.
func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, &CryptoError{Op: "parse public key", Err: fmt.Errorf("no PEM block found")}
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, &CryptoError{Op: "parse public key", Err: err}
	}
	pub, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, &CryptoError{Op: "parse public key", Err: fmt.Errorf("not an RSA key")}
	}
	return pub, nil
}
