package secvar

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/foxboron/go-uefi/efi"
	"github.com/foxboron/go-uefi/efi/signature"
	"github.com/foxboron/go-uefi/efi/util"
	"github.com/google/uuid"
)

// Hierarchy is a set of signed updates, one per class
type Hierarchy map[KeyClass][]byte

// GenerateHierarchy creates a throwaway signing key and signs updates for
// PK, KEK and db that all enroll its certificate.  The dbx update revokes
// the SHA256 digests of the given images, e.g., a kernel that must no longer
// boot.
func GenerateHierarchy(commonName string, validity time.Duration, revoked ...[]byte) (Hierarchy, *x509.Certificate, error) {
	priv, crt, err := selfSigned(commonName, validity)
	if err != nil {
		return nil, nil, err
	}
	owner := util.StringToGUID(uuid.NewString())

	certs := signature.NewSignatureDatabase()
	if err := certs.Append(signature.CERT_X509_GUID, *owner, crt.Raw); err != nil {
		return nil, nil, fmt.Errorf("append certificate: %w", err)
	}
	dbx := signature.NewSignatureDatabase()
	for _, image := range revoked {
		sum := sha256.Sum256(image)
		if err := dbx.Append(signature.CERT_SHA256_GUID, *owner, sum[:]); err != nil {
			return nil, nil, fmt.Errorf("append digest: %w", err)
		}
	}

	h := make(Hierarchy)
	for _, class := range Order {
		esl := certs.Bytes()
		if class == DBX {
			esl = dbx.Bytes()
		}
		signed, err := efi.SignEFIVariable(priv, crt, class.VarName(), esl)
		if err != nil {
			return nil, nil, fmt.Errorf("sign %v: %w", class, err)
		}
		h[class] = signed
	}
	return h, crt, nil
}

func selfSigned(commonName string, validity time.Duration) (crypto.Signer, *x509.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, fmt.Errorf("serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		PublicKeyAlgorithm:    x509.RSA,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	crt, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	return priv, crt, nil
}
