// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - SHA-1 OAEP is the SPICE ticket scheme
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/samber/oops"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// publicKeyBlock returns the DER SubjectPublicKeyInfo at the start of block.
// The server pads the block to a fixed size; the DER length header, not the
// block size, says where the key ends.
func publicKeyBlock(block []byte) ([]byte, error) {
	s := cryptobyte.String(block)
	var spki cryptobyte.String
	if !s.ReadASN1Element(&spki, asn1.SEQUENCE) {
		return nil, oops.Errorf("key block of %d bytes does not start with a DER sequence", len(block))
	}
	return spki, nil
}

// ParseTicketKey parses the key block of a link reply into an RSA key.
func ParseTicketKey(block []byte) (*rsa.PublicKey, error) {
	const op = "ParseTicketKey"
	der, err := publicKeyBlock(block)
	if err != nil {
		return nil, cryptoError(op, "malformed key block", errors.Join(ErrInvalidKey, err))
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, cryptoError(op, "cannot parse public key", errors.Join(ErrInvalidKey, oops.Wrapf(err, "parse PKIX public key")))
	}
	key, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, cryptoError(op, fmt.Sprintf("public key is %T, want RSA", pub), ErrInvalidKey)
	}
	return key, nil
}

// MaxTicketPlaintext returns the largest credential key can encrypt.
func MaxTicketPlaintext(key *rsa.PublicKey) int {
	return key.Size() - 2*sha1.Size - 2
}

// EncryptTicket encrypts credential with RSA-OAEP/SHA-1. The result is
// exactly key.Size() bytes.
func EncryptTicket(key *rsa.PublicKey, credential []byte) ([]byte, error) {
	const op = "EncryptTicket"
	if limit := MaxTicketPlaintext(key); len(credential) > limit {
		return nil, cryptoError(op, fmt.Sprintf("credential of %d bytes exceeds %d for a %d-bit key",
			len(credential), limit, key.N.BitLen()), nil)
	}
	ticket, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, key, credential, nil) // #nosec G401
	if err != nil {
		return nil, cryptoError(op, "OAEP encryption failed", err)
	}
	return ticket, nil
}

// EncryptCredential parses publicKey and encrypts credential under it. The
// caller owns credential and is responsible for clearing it afterwards.
func EncryptCredential(publicKey, credential []byte) ([]byte, error) {
	key, err := ParseTicketKey(publicKey)
	if err != nil {
		return nil, err
	}
	return EncryptTicket(key, credential)
}
