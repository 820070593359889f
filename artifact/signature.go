package artifact

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"

	"github.com/coreos/update-agent/uerrors"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "artifact")

// Verifier checks a manifest's detached signature against a single
// configured public key, generalizing the teacher's update/signature
// package (which hardcoded one RSA developer key) to the spec's
// "configured public key" of either RSA or ECDSA type.
type Verifier struct {
	pub crypto.PublicKey
}

// NewVerifierFromPEM loads a PKIX-encoded public key (RSA or ECDSA) from
// PEM bytes, as produced by `openssl` or Go's x509 tooling.
func NewVerifierFromPEM(pemBytes []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("unable to decode PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "parsing public key")
	}
	switch pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return &Verifier{pub: pub}, nil
	default:
		return nil, errors.Errorf("unsupported public key type %T", pub)
	}
}

// Verify checks sig against the SHA-256 of data.
func (v *Verifier) Verify(data, sig []byte) error {
	sum := sha256.Sum256(data)

	switch key := v.pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig); err != nil {
			return uerrors.Wrap(uerrors.CodeSignatureInvalid, err, "rsa signature verification failed")
		}
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, sum[:], sig) {
			return uerrors.New(uerrors.CodeSignatureInvalid, "ecdsa signature verification failed")
		}
	default:
		return uerrors.New(uerrors.CodeSignatureInvalid, "unsupported key type %T", key)
	}

	plog.Debug("manifest signature verified")
	return nil
}
