package gateway

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the DNS name in generated certificates. Clients verify the server against it.
const ServerName = "hostgateway"

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func buildCACert(subject *pkix.Name, validity time.Duration) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}

	now := time.Now()
	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}
	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(caKey)})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func buildCert(ca CACert, subject *pkix.Name, validity time.Duration) (*Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		DNSNames:     []string{ServerName},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

// GenerateCerts generates a CA and a server and client certificate signed by it, valid for validity.
func GenerateCerts(validity time.Duration) (*Certs, error) {
	caSubject := pkix.Name{CommonName: "HostgatewayCA"}
	caCert, err := buildCACert(&caSubject, validity)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverCert, err := buildCert(caCert, &pkix.Name{CommonName: ServerName}, validity)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientCert, err := buildCert(caCert, &pkix.Name{CommonName: ServerName + "-client"}, validity)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}

// WriteFiles writes the certs as PEM files into dir: ca.pem, ca-key.pem, server.pem, server-key.pem, client.pem and client-key.pem.
func (c *Certs) WriteFiles(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	files := []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{"ca.pem", c.CA.CertPEMBytes, 0o644},
		{"ca-key.pem", c.CA.KeyPEMBytes, 0o600},
		{"server.pem", c.Server.CertPEMBytes, 0o644},
		{"server-key.pem", c.Server.KeyPEMBytes, 0o600},
		{"client.pem", c.Client.CertPEMBytes, 0o644},
		{"client-key.pem", c.Client.KeyPEMBytes, 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.b, f.mode); err != nil {
			return fmt.Errorf("writing %s: %w", f.name, err)
		}
	}
	return nil
}

// ReadPEMFiles reads a CA cert, a cert and its key from disk.
func ReadPEMFiles(caPath, certPath, keyPath string) (ca, cert, key []byte, err error) {
	if ca, err = os.ReadFile(caPath); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	if cert, err = os.ReadFile(certPath); err != nil {
		return nil, nil, nil, fmt.Errorf("reading cert: %w", err)
	}
	if key, err = os.ReadFile(keyPath); err != nil {
		return nil, nil, nil, fmt.Errorf("reading key: %w", err)
	}
	return ca, cert, key, nil
}
