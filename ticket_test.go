// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: Ryan Johnson

package spice

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505
	"crypto/x509"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicket_EncryptLength(t *testing.T) {
	key2048, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	for _, key := range []*rsa.PrivateKey{testKey(), key2048} {
		t.Run(key.N.String()[:8], func(t *testing.T) {
			der := testPublicKeyDER(t, key)
			for _, cred := range []string{"", "a", "s3cret", string(make([]byte, MaxCredentialLength))} {
				ticket, err := EncryptCredential(der, append([]byte(cred), 0))
				require.NoError(t, err)
				assert.Len(t, ticket, key.Size())

				plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, ticket, nil) // #nosec G401
				require.NoError(t, err)
				assert.Equal(t, append([]byte(cred), 0), plain)
			}
		})
	}
}

func TestTicket_Randomized(t *testing.T) {
	der := testPublicKeyDER(t, testKey())
	a, err := EncryptCredential(der, []byte("same\x00"))
	require.NoError(t, err)
	b, err := EncryptCredential(der, []byte("same\x00"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "OAEP output must differ between encryptions")
}

func TestTicket_PaddedKeyBlock(t *testing.T) {
	key := testKey()
	block := append(testPublicKeyDER(t, key), make([]byte, 162)...)

	parsed, err := ParseTicketKey(block)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(&key.PublicKey))
}

func TestTicket_InvalidKey(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	ecDER, err := x509.MarshalPKIXPublicKey(&ecKey.PublicKey)
	require.NoError(t, err)

	der := testPublicKeyDER(t, testKey())
	corrupt := append([]byte(nil), der...)
	corrupt[5] ^= 0xff // algorithm identifier tag

	tests := []struct {
		name  string
		block []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not a key at all")},
		{"truncated DER", der[:len(der)-10]},
		{"corrupt DER", corrupt},
		{"non-RSA key", ecDER},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncryptCredential(tt.block, []byte("pw\x00"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidKey), "got %v", err)
			assert.Equal(t, ErrCrypto, GetErrorCode(err))
		})
	}
}

func TestTicket_CredentialTooLong(t *testing.T) {
	key := testKey()
	limit := MaxTicketPlaintext(&key.PublicKey)
	assert.Equal(t, key.Size()-42, limit)

	_, err := EncryptTicket(&key.PublicKey, make([]byte, limit))
	assert.NoError(t, err)

	_, err = EncryptTicket(&key.PublicKey, make([]byte, limit+1))
	assert.Equal(t, ErrCrypto, GetErrorCode(err))
}
