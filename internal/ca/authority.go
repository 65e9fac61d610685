// Package ca implements the certificate authority at the root of the
// control-plane trust chain. It issues ECDSA P-256 identities for the server
// and every client, keeps an append-only ledger of issued certificates with
// in-place revocation, and answers verification queries during the TLS
// handshake. The root private key lives on disk only in encrypted form.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/AuraHome/aura/internal/fault"
	"github.com/AuraHome/aura/internal/secrets"
)

// Status is the outcome of verifying a presented certificate.
type Status string

const (
	StatusValid           Status = "valid"
	StatusExpired         Status = "expired"
	StatusRevoked         Status = "revoked"
	StatusUntrustedIssuer Status = "untrusted-issuer"
)

const (
	rootCertFile = "root.crt"
	rootKeyFile  = "root.key.enc"
	certDBFile   = "ca.db"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// RoleServer and RoleClient select the extended key usage of issued leaves.
const (
	RoleServer = "server"
	RoleClient = "client"
)

var subjectPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Authority is the certificate authority. All signing goes through a single
// mutex so serial allocation never races under concurrent issuance.
type Authority struct {
	mu       sync.Mutex
	dir      string
	keychain *secrets.Keychain
	store    *certStore

	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate

	// clockSkew widens the validity window during verification so freshly
	// issued certificates are accepted by peers with slightly lagging clocks.
	clockSkew time.Duration
}

// Identity is one issued certificate plus its private key, PEM encoded. The
// key is generated at issuance and returned exactly once.
type Identity struct {
	Serial  int64
	CertPEM []byte
	KeyPEM  []byte
}

// Open loads the authority from dir, creating the root key pair and
// self-signed root certificate on first use.
func Open(dir string, keychain *secrets.Keychain, clockSkew time.Duration) (*Authority, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &fault.StorageError{Op: "ca.initialize", Err: err}
	}
	store, err := openCertStore(filepath.Join(dir, certDBFile))
	if err != nil {
		return nil, &fault.StorageError{Op: "ca.initialize", Err: err}
	}

	a := &Authority{
		dir:       dir,
		keychain:  keychain,
		store:     store,
		clockSkew: clockSkew,
	}

	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyFile)
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		if err := a.loadRoot(certPath, keyPath); err != nil {
			store.Close()
			return nil, err
		}
		return a, nil
	}
	if err := a.createRoot(certPath, keyPath); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the underlying certificate ledger.
func (a *Authority) Close() error {
	return a.store.Close()
}

// RootCertPEM returns the PEM-encoded root certificate for distribution to
// clients as their trust anchor.
func (a *Authority) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootCert.Raw})
}

// RootCert returns the parsed root certificate.
func (a *Authority) RootCert() *x509.Certificate {
	return a.rootCert
}

// TrustPool returns a cert pool containing only the root, for use as a TLS
// RootCAs / ClientCAs pool.
func (a *Authority) TrustPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.rootCert)
	return pool
}

// IssueServerCertificate signs a server identity for the given hostname and
// optional extra addresses (DNS names or IP literals).
func (a *Authority) IssueServerCertificate(hostname string, addresses []string) (*Identity, error) {
	if !subjectPattern.MatchString(hostname) {
		return nil, &fault.InvalidInputError{Field: "hostname", Reason: fmt.Sprintf("%q is not a valid subject identifier", hostname)}
	}
	dnsNames := []string{hostname}
	var ips []net.IP
	for _, addr := range addresses {
		if ip := net.ParseIP(addr); ip != nil {
			ips = append(ips, ip)
			continue
		}
		if !subjectPattern.MatchString(addr) {
			return nil, &fault.InvalidInputError{Field: "addresses", Reason: fmt.Sprintf("%q is neither an IP nor a valid DNS label", addr)}
		}
		dnsNames = append(dnsNames, addr)
	}
	// Loopback is always included so a local client can dial 127.0.0.1.
	ips = append(ips, net.ParseIP("127.0.0.1"))

	return a.issue(hostname, RoleServer, func(tmpl *x509.Certificate) {
		tmpl.DNSNames = dnsNames
		tmpl.IPAddresses = ips
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	})
}

// IssueClientCertificate signs a client identity whose certificate subject is
// the stable client id used by the registry.
func (a *Authority) IssueClientCertificate(clientID string) (*Identity, error) {
	if !subjectPattern.MatchString(clientID) {
		return nil, &fault.InvalidInputError{Field: "clientId", Reason: fmt.Sprintf("%q is not a valid subject identifier", clientID)}
	}
	return a.issue(clientID, RoleClient, func(tmpl *x509.Certificate) {
		tmpl.DNSNames = []string{clientID}
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	})
}

func (a *Authority) issue(subject, role string, customize func(*x509.Certificate)) (*Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	serial, err := a.store.nextSerialLocked()
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate leaf key: %w", err)
	}

	now := time.Now()
	notAfter := now.Add(leafValidity)
	// Never sign past the root's own expiry.
	if notAfter.After(a.rootCert.NotAfter) {
		notAfter = a.rootCert.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   subject,
			Organization: []string{"Aura Home"},
		},
		NotBefore:             now.Add(-a.clockSkew),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	customize(tmpl)

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signed certificate: %w", err)
	}

	if err := a.store.insert(IssuedRecord{
		Serial:    serial,
		Subject:   subject,
		Issuer:    a.rootCert.Subject.CommonName,
		NotBefore: parsed.NotBefore,
		NotAfter:  parsed.NotAfter,
		PublicKey: base64.StdEncoding.EncodeToString(parsed.RawSubjectPublicKeyInfo),
		Signature: base64.StdEncoding.EncodeToString(parsed.Signature),
		Role:      role,
	}); err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode leaf key: %w", err)
	}
	return &Identity{
		Serial:  serial,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Revoke flags an issued serial as revoked. Subsequent Verify calls for that
// certificate return StatusRevoked.
func (a *Authority) Revoke(serial int64) error {
	return a.store.revoke(serial)
}

// List returns the issued-certificate ledger in serial order.
func (a *Authority) List() ([]IssuedRecord, error) {
	return a.store.list()
}

// Verify checks a presented certificate against the root of trust, the
// validity window (widened by the configured clock skew) and the revocation
// ledger. Chain trust is checked first: a forged certificate never reaches
// the revocation lookup.
func (a *Authority) Verify(cert *x509.Certificate) Status {
	if err := cert.CheckSignatureFrom(a.rootCert); err != nil {
		return StatusUntrustedIssuer
	}
	now := time.Now()
	if now.Add(a.clockSkew).Before(cert.NotBefore) || now.Add(-a.clockSkew).After(cert.NotAfter) {
		return StatusExpired
	}
	revoked, err := a.store.isRevoked(cert.SerialNumber.Int64())
	if err != nil || revoked {
		// A ledger read failure fails closed.
		return StatusRevoked
	}
	return StatusValid
}

func (a *Authority) createRoot(certPath, keyPath string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	a.mu.Lock()
	serial, err := a.store.nextSerialLocked()
	a.mu.Unlock()
	if err != nil {
		return err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:   "Aura Root CA",
			Organization: []string{"Aura Home"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to self-sign root: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode root key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	encKey, err := a.keychain.Encrypt(keyPEM)
	if err != nil {
		return &fault.StorageError{Op: "ca.encrypt-root-key", Err: err}
	}
	if err := os.WriteFile(keyPath, encKey, 0o600); err != nil {
		return &fault.StorageError{Op: "ca.write-root-key", Err: err}
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return &fault.StorageError{Op: "ca.write-root-cert", Err: err}
	}

	if err := a.store.insert(IssuedRecord{
		Serial:    serial,
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Subject.CommonName,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		PublicKey: base64.StdEncoding.EncodeToString(cert.RawSubjectPublicKeyInfo),
		Signature: base64.StdEncoding.EncodeToString(cert.Signature),
		Role:      "root",
	}); err != nil {
		return err
	}

	a.rootKey = key
	a.rootCert = cert
	return nil
}

func (a *Authority) loadRoot(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return &fault.StorageError{Op: "ca.read-root-cert", Err: err}
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return &fault.StorageError{Op: "ca.read-root-cert", Err: fmt.Errorf("no certificate block in %s", certPath)}
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return &fault.StorageError{Op: "ca.read-root-cert", Err: err}
	}

	encKey, err := os.ReadFile(keyPath)
	if err != nil {
		return &fault.StorageError{Op: "ca.read-root-key", Err: err}
	}
	keyPEM, err := a.keychain.Decrypt(encKey)
	if err != nil {
		return &fault.StorageError{Op: "ca.decrypt-root-key", Err: err}
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return &fault.StorageError{Op: "ca.decrypt-root-key", Err: fmt.Errorf("no key block after decryption")}
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return &fault.StorageError{Op: "ca.parse-root-key", Err: err}
	}
	key, ok := parsedKey.(*ecdsa.PrivateKey)
	if !ok {
		return &fault.StorageError{Op: "ca.parse-root-key", Err: fmt.Errorf("root key is not ECDSA")}
	}

	a.rootKey = key
	a.rootCert = cert
	return nil
}
