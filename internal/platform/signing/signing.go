// Package signing canonicalizes and signs outbound notification bodies.
package signing

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// SignatureField is the key the signature is stored under.
const SignatureField = "signature"

// Signer turns a payload into the body posted to the callback.
type Signer interface {
	Sign(payload map[string]any) ([]byte, error)
}

// Canonicalize encodes payload as compact JSON with sorted keys and no HTML escaping.
func Canonicalize(payload map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys.
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// CanonicalSigner only canonicalizes; it is used when no key is configured.
type CanonicalSigner struct{}

func (CanonicalSigner) Sign(payload map[string]any) ([]byte, error) {
	return Canonicalize(payload)
}

// ECDSASigner adds an ECDSA-SHA256 signature of the canonical body.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner returns a signer for key.
func NewECDSASigner(key *ecdsa.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// LoadECDSASigner reads an unencrypted PKCS#8 PEM private key.
func LoadECDSASigner(path string) (*ECDSASigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is %T, expected ECDSA", parsed)
	}
	return NewECDSASigner(key), nil
}

// Sign signs the canonical form of payload without a signature field and
// returns the canonical form with the base64 signature added.
func (s *ECDSASigner) Sign(payload map[string]any) ([]byte, error) {
	unsigned := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != SignatureField {
			unsigned[k] = v
		}
	}
	body, err := Canonicalize(unsigned)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}

	unsigned[SignatureField] = base64.StdEncoding.EncodeToString(sig)
	return Canonicalize(unsigned)
}

// Verify checks the signature embedded in a signed body.
func Verify(pub *ecdsa.PublicKey, body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return fmt.Errorf("invalid body: %w", err)
	}

	encoded, ok := payload[SignatureField].(string)
	if !ok {
		return errors.New("missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	delete(payload, SignatureField)

	unsigned, err := Canonicalize(payload)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(unsigned)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return errors.New("signature mismatch")
	}
	return nil
}
