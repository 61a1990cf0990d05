// Package auth authenticates API requests and yields the acting principal.
//
// Three schemes are accepted, tried in order:
//   - client TLS certificate, matched by SHA-256 fingerprint
//   - HTTP Signature (keyId = account name, HMAC-SHA256)
//   - HTTP Basic (username = account name)
//
// Requests without credentials pass through unauthenticated; routes that
// need a principal enforce it with the Require* middleware. Presented but
// invalid credentials always fail the request.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Errors
var (
	ErrUnauthorized   = errors.New("authentication required")
	ErrForbidden      = errors.New("not authorized for this resource")
	ErrBadCredentials = errors.New("invalid credentials")
)

// Principal is an authenticated caller.
type Principal struct {
	Name  string
	Admin bool
}

// CanActFor reports whether the principal may exercise an account's
// authority: admins act for everyone, others only for themselves.
func (p *Principal) CanActFor(account string) bool {
	if p == nil {
		return false
	}
	return p.Admin || p.Name == account
}

// Credential is the authentication material the directory exposes for one
// account. Empty fields mean the scheme is not configured.
type Credential struct {
	Name            string
	Admin           bool
	BasicSalt       string
	BasicHash       string
	SignatureKey    string
	CertFingerprint string
}

// Directory resolves accounts to their credentials. The server wires the
// account service in.
type Directory interface {
	Lookup(ctx context.Context, name string) (*Credential, error)
	LookupFingerprint(ctx context.Context, fingerprint string) (*Credential, error)
}

// Gate authenticates requests against a directory.
type Gate struct {
	dir    Directory
	crl    *x509.RevocationList
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates an authentication gate. crl may be nil.
func NewGate(dir Directory, crl *x509.RevocationList, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{dir: dir, crl: crl, logger: logger, now: time.Now}
}

// Authenticate inspects the request's credentials. It returns (nil, nil)
// when no credentials are presented, a principal when they verify, and
// ErrBadCredentials when they do not.
func (g *Gate) Authenticate(r *http.Request) (*Principal, error) {
	if p, ok, err := g.fromClientCert(r); ok {
		return p, err
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	if p, ok, err := g.fromSignature(r, header); ok {
		return p, err
	}
	if p, ok, err := g.fromBasic(r); ok {
		return p, err
	}
	return nil, ErrBadCredentials
}

// fromClientCert authenticates by the TLS peer certificate, if one was
// presented during the handshake.
func (g *Gate) fromClientCert(r *http.Request) (*Principal, bool, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, false, nil
	}
	cert := r.TLS.PeerCertificates[0]
	if g.isRevoked(cert) {
		g.logger.Warn("revoked client certificate presented", "serial", cert.SerialNumber.String())
		return nil, true, ErrBadCredentials
	}

	cred, err := g.dir.LookupFingerprint(r.Context(), Fingerprint(cert))
	if err != nil {
		return nil, true, ErrBadCredentials
	}
	return &Principal{Name: cred.Name, Admin: cred.Admin}, true, nil
}

func (g *Gate) fromBasic(r *http.Request) (*Principal, bool, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, false, nil
	}
	cred, err := g.dir.Lookup(r.Context(), username)
	if err != nil || cred.BasicHash == "" {
		return nil, true, ErrBadCredentials
	}
	if !VerifyPassword(cred.BasicSalt, cred.BasicHash, password) {
		return nil, true, ErrBadCredentials
	}
	return &Principal{Name: cred.Name, Admin: cred.Admin}, true, nil
}

func (g *Gate) isRevoked(cert *x509.Certificate) bool {
	if g.crl == nil {
		return false
	}
	for _, entry := range g.crl.RevokedCertificateEntries {
		if entry.SerialNumber != nil && entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true
		}
	}
	return false
}

// Fingerprint returns the lowercase hex SHA-256 digest of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// HashPassword derives the stored digest for a password under a salt.
func HashPassword(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}

// VerifyPassword checks a password against a stored salt and digest in
// constant time.
func VerifyPassword(salt, hash, password string) bool {
	got := HashPassword(salt, password)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(got)) == 1
}

// LoadCRL parses a PEM or DER encoded certificate revocation list.
func LoadCRL(data []byte) (*x509.RevocationList, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	return x509.ParseRevocationList(der)
}
