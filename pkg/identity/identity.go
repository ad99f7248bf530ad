// Package identity generates node TLS keypairs and derives node
// identifiers from them, in the form the Config Resolver stores in a
// resolved config (rnode_tls_key, rnode_id).
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// keyBytes is the fixed-width encoding of a P-256 field element.
const keyBytes = 32

// ErrInvalidPEM is returned when a PEM blob does not decode to an EC
// private key on the expected curve.
var ErrInvalidPEM = errors.New("identity: invalid PEM private key")

// GenerateTLSKeypair produces a PEM-encoded P-256 private key along with
// the node identifier derived from its public point.
func GenerateTLSKeypair() (pemKey string, nodeID string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("identity: generate key: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("identity: marshal key: %w", err)
	}

	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	pemKey = string(pem.EncodeToMemory(block))

	nodeID = nodeIDFromPoint(key.PublicKey.X, key.PublicKey.Y)
	return pemKey, nodeID, nil
}

// NodeIDOf re-derives the node identifier from an existing PEM-encoded
// EC private key.
func NodeIDOf(pemKey string) (string, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return "", ErrInvalidPEM
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}

	return nodeIDFromPoint(key.PublicKey.X, key.PublicKey.Y), nil
}

// nodeIDFromPoint derives the node ID as the lowercase hex of the last
// 20 bytes of the Keccak-256 hash over the 64-byte uncompressed (X‖Y)
// big-endian encoding of the public point.
func nodeIDFromPoint(x, y *big.Int) string {
	point := make([]byte, 2*keyBytes)
	x.FillBytes(point[:keyBytes])
	y.FillBytes(point[keyBytes:])

	hash := sha3.NewLegacyKeccak256()
	hash.Write(point)
	digest := hash.Sum(nil)

	return hex.EncodeToString(digest[len(digest)-20:])
}
