// Package signature signs and verifies consent receipts.
//
// A Service owns exactly one RSA keypair for its lifetime. Payloads are
// canonicalised with canonical.Encode and signed with RSA-PSS (MGF1-SHA-256,
// SHA-256 digest, maximum salt length), so two signatures over the same
// payload differ but both verify.
package signature

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/jmerrifield20/consentledger/internal/canonical"
)

// DefaultKeyBits is the RSA modulus size used when no key is provisioned.
const DefaultKeyBits = 2048

// ErrNoKey is returned when a Service is constructed without a key.
var ErrNoKey = errors.New("signature: no private key configured")

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// Service signs and verifies canonical payloads.
type Service struct {
	key *rsa.PrivateKey
	*Verifier
}

// New wraps an existing private key, typically one injected from a secret vault.
func New(key *rsa.PrivateKey) (*Service, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	return &Service{key: key, Verifier: &Verifier{pub: &key.PublicKey}}, nil
}

// Generate creates a Service with a fresh in-process keypair.
func Generate(bits int) (*Service, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return New(key)
}

// LoadPEM reads a PKCS#1 or PKCS#8 RSA private key from path.
func LoadPEM(path string) (*Service, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := ParsePrivateKeyPEM(raw)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// PrivateKey returns the signing key, for persisting a generated key.
func (s *Service) PrivateKey() *rsa.PrivateKey { return s.key }

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key.
func ParsePrivateKeyPEM(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}
	return key, nil
}

// PrivateKeyPEM encodes key as a PKCS#1 PEM block.
func PrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

// Sign canonicalises payload and returns its RSA-PSS signature.
func (s *Service) Sign(payload any) ([]byte, error) {
	data, err := canonical.Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("sign payload: %w", err)
	}
	return sig, nil
}

// SignBase64 is Sign with the signature base64-encoded for the wire.
func (s *Service) SignBase64(payload any) (string, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verifier checks signatures with only the public half of the keypair.
// Relying parties that hold the published key use it directly.
type Verifier struct {
	pub *rsa.PublicKey
}

// NewVerifier creates a Verifier for pub.
func NewVerifier(pub *rsa.PublicKey) *Verifier {
	return &Verifier{pub: pub}
}

// ParsePublicKeyPEM decodes a PKIX PEM public key into a Verifier.
func ParsePublicKeyPEM(raw []byte) (*Verifier, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}
	return NewVerifier(pub), nil
}

// Verify reports whether sig is a valid signature over payload. A wrong or
// malformed signature yields false with a nil error; only a payload that
// cannot be canonicalised returns an error.
func (v *Verifier) Verify(payload any, sig []byte) (bool, error) {
	data, err := canonical.Encode(payload)
	if err != nil {
		return false, fmt.Errorf("canonicalize payload: %w", err)
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPSS(v.pub, crypto.SHA256, digest[:], sig, pssOptions) == nil, nil
}

// VerifyBase64 decodes a base64 signature and verifies it. Undecodable input
// is reported as an invalid signature.
func (v *Verifier) VerifyBase64(payload any, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, nil
	}
	return v.Verify(payload, sig)
}

// PublicKey returns the verification key.
func (v *Verifier) PublicKey() *rsa.PublicKey { return v.pub }

// PublicKeyPEM returns the public key in PKIX PEM format.
func (v *Verifier) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(v.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// JWK is a JSON Web Key for the RSA verification key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWK encodes the public key (RFC 7518 §6.3) under the given key id.
func (v *Verifier) JWK(kid string) JWK {
	n := base64.RawURLEncoding.EncodeToString(v.pub.N.Bytes())

	eBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(eBuf, uint64(v.pub.E))
	i := 0
	for i < len(eBuf)-1 && eBuf[i] == 0 {
		i++
	}
	e := base64.RawURLEncoding.EncodeToString(eBuf[i:])

	return JWK{Kty: "RSA", Use: "sig", Kid: kid, Alg: "PS256", N: n, E: e}
}

// KeyID derives a stable key id from the SHA-256 of the PKIX public key.
func (v *Verifier) KeyID() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(v.pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8]), nil
}
