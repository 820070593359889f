package artifact

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pemEncodePub(t *testing.T, der []byte) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestVerifierRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	v, err := NewVerifierFromPEM(pemEncodePub(t, der))
	require.NoError(t, err)

	data := []byte("the manifest bytes")
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)

	assert.NoError(t, v.Verify(data, sig), "Verify failed on a genuine signature")
	assert.Error(t, v.Verify([]byte("tampered"), sig), "Verify should reject a signature over different data")
}

func TestVerifierECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	v, err := NewVerifierFromPEM(pemEncodePub(t, der))
	require.NoError(t, err)

	data := []byte("the manifest bytes")
	sum := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, key, sum[:])
	require.NoError(t, err)

	assert.NoError(t, v.Verify(data, sig), "Verify failed on a genuine signature")
}

func TestVerifierRejectsGarbagePEM(t *testing.T) {
	_, err := NewVerifierFromPEM([]byte("not a pem"))
	assert.Error(t, err, "garbage PEM should have been rejected")
}
