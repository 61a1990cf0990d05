// Package account manages ledger accounts: their documents, credentials,
// and the balance/held records that transfers settle against.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tallyd/internal/auth"
	"tallyd/internal/idgen"
	"tallyd/internal/store"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrNegativeBalance is returned when a write would set a balance
	// below zero.
	ErrNegativeBalance = errors.New("balance must not be negative")
)

// Credentials holds the authentication material for an account. Only the
// store sees this; API responses never include it.
type Credentials struct {
	Basic       *BasicCredentials     `json:"basic,omitempty"`
	Signature   *SignatureCredentials `json:"signature,omitempty"`
	Certificate *CertCredentials      `json:"certificate,omitempty"`
}

// BasicCredentials is a salted password digest for HTTP Basic auth.
// The username is the account name.
type BasicCredentials struct {
	Salt string `json:"salt"`
	Hash string `json:"hash"`
}

// SignatureCredentials is the shared key verifying HTTP Signature requests
// with keyId equal to the account name.
type SignatureCredentials struct {
	Key string `json:"key"`
}

// CertCredentials pins a client TLS certificate by SHA-256 fingerprint.
type CertCredentials struct {
	Fingerprint string `json:"fingerprint"`
}

// Account is the stored document at people/<name>. Balance and held live at
// sibling paths so transfer transactions touch only the records they move.
type Account struct {
	Name        string       `json:"name"`
	IsAdmin     bool         `json:"is_admin,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Credential converts the account to the auth gate's view of it.
func (a *Account) Credential() *auth.Credential {
	cred := &auth.Credential{Name: a.Name, Admin: a.IsAdmin}
	if a.Credentials == nil {
		return cred
	}
	if b := a.Credentials.Basic; b != nil {
		cred.BasicSalt = b.Salt
		cred.BasicHash = b.Hash
	}
	if s := a.Credentials.Signature; s != nil {
		cred.SignatureKey = s.Key
	}
	if c := a.Credentials.Certificate; c != nil {
		cred.CertFingerprint = c.Fingerprint
	}
	return cred
}

// Detail is an account together with its balances, as consumers of the
// service see it.
type Detail struct {
	Account
	Balance decimal.Decimal `json:"balance"`
	Held    decimal.Decimal `json:"held"`
}

// Key-path layout. The transfer engine reads and writes these directly
// inside its own transactions.

// DocPath is the account document record.
func DocPath(name string) store.Path {
	return store.Path{"people", name}
}

// BalancePath is the spendable balance record.
func BalancePath(name string) store.Path {
	return store.Path{"people", name, "balance"}
}

// HeldPath is the held-funds record backing prepared transfers.
func HeldPath(name string) store.Path {
	return store.Path{"people", name, "held"}
}

// IssuedPath records the total value provisioned by admin writes. The sum
// of all balances and holds equals this at all times; transfers move value
// without changing it.
func IssuedPath() store.Path {
	return store.Path{"ledger", "issued"}
}

// UpsertInput carries the admin-settable fields of an account. Nil fields
// are left unchanged.
type UpsertInput struct {
	Balance         *decimal.Decimal
	IsAdmin         *bool
	Password        *string
	SignatureKey    *string
	CertFingerprint *string
}

// Service provides account operations over the store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates an account service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Get returns an account with its balances.
func (s *Service) Get(ctx context.Context, name string) (*Detail, error) {
	var detail *Detail
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		var err error
		detail, err = loadDetail(tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// loadDetail reads an account document and its balances inside tx.
func loadDetail(tx store.Tx, name string) (*Detail, error) {
	var acct Account
	if err := tx.Get(DocPath(name), &acct); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	detail := &Detail{Account: acct}
	if err := tx.Get(BalancePath(name), &detail.Balance); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := tx.Get(HeldPath(name), &detail.Held); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return detail, nil
}

// List returns all accounts with balances, ordered by name.
func (s *Service) List(ctx context.Context) ([]*Detail, error) {
	var details []*Detail
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		details = details[:0]
		records, err := tx.List(store.Path{"people"})
		if err != nil {
			return err
		}
		for _, rec := range records {
			// Only the two-segment document records; balances and
			// subscriptions live deeper.
			if len(rec.Path) != 2 {
				continue
			}
			detail, err := loadDetail(tx, rec.Path[1])
			if err != nil {
				return err
			}
			details = append(details, detail)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return details, nil
}

// Upsert creates or updates an account. The second return reports whether
// the account was created. Balance writes adjust the issued total so the
// conservation sweep stays balanced.
func (s *Service) Upsert(ctx context.Context, name string, in UpsertInput) (*Detail, bool, error) {
	var (
		detail  *Detail
		created bool
	)
	if in.Balance != nil && in.Balance.IsNegative() {
		return nil, false, ErrNegativeBalance
	}
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		now := time.Now().UTC()
		var acct Account
		err := tx.Get(DocPath(name), &acct)
		switch {
		case errors.Is(err, store.ErrNotFound):
			created = true
			acct = Account{Name: name, CreatedAt: now}
		case err != nil:
			return err
		default:
			created = false
		}
		acct.UpdatedAt = now

		if in.IsAdmin != nil {
			acct.IsAdmin = *in.IsAdmin
		}
		if in.Password != nil {
			salt := idgen.Hex(16)
			setCredentials(&acct).Basic = &BasicCredentials{
				Salt: salt,
				Hash: auth.HashPassword(salt, *in.Password),
			}
		}
		if in.SignatureKey != nil {
			setCredentials(&acct).Signature = &SignatureCredentials{Key: *in.SignatureKey}
		}
		if in.CertFingerprint != nil {
			if err := s.reindexFingerprint(tx, &acct, *in.CertFingerprint); err != nil {
				return err
			}
		}

		if err := tx.Put(DocPath(name), &acct); err != nil {
			return err
		}

		balance := decimal.Zero
		if err := tx.Get(BalancePath(name), &balance); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if in.Balance != nil {
			if err := adjustIssued(tx, in.Balance.Sub(balance)); err != nil {
				return err
			}
			balance = *in.Balance
			if err := tx.Put(BalancePath(name), balance); err != nil {
				return err
			}
		} else if created {
			if err := tx.Put(BalancePath(name), decimal.Zero); err != nil {
				return err
			}
		}
		if created {
			if err := tx.Put(HeldPath(name), decimal.Zero); err != nil {
				return err
			}
		}

		detail, err = loadDetail(tx, name)
		return err
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("account upserted", "account", name, "created", created)
	return detail, created, nil
}

func setCredentials(acct *Account) *Credentials {
	if acct.Credentials == nil {
		acct.Credentials = &Credentials{}
	}
	return acct.Credentials
}

// reindexFingerprint moves the certindex record when a fingerprint changes.
func (s *Service) reindexFingerprint(tx store.Tx, acct *Account, fingerprint string) error {
	creds := setCredentials(acct)
	if creds.Certificate != nil && creds.Certificate.Fingerprint != fingerprint {
		if err := tx.Delete(fingerprintPath(creds.Certificate.Fingerprint)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	creds.Certificate = &CertCredentials{Fingerprint: fingerprint}
	return tx.Put(fingerprintPath(fingerprint), acct.Name)
}

func fingerprintPath(fingerprint string) store.Path {
	return store.Path{"certindex", fingerprint}
}

func adjustIssued(tx store.Tx, delta decimal.Decimal) error {
	if delta.IsZero() {
		return nil
	}
	issued := decimal.Zero
	if err := tx.Get(IssuedPath(), &issued); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return tx.Put(IssuedPath(), issued.Add(delta))
}

// Issued returns the total value provisioned into the ledger.
func (s *Service) Issued(ctx context.Context) (decimal.Decimal, error) {
	issued := decimal.Zero
	err := s.store.Get(ctx, IssuedPath(), &issued)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return issued, nil
}

// FindByFingerprint resolves a client certificate fingerprint to its account.
func (s *Service) FindByFingerprint(ctx context.Context, fingerprint string) (*Detail, error) {
	var name string
	if err := s.store.Get(ctx, fingerprintPath(fingerprint), &name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, name)
}

// Provision creates an account with a password if it does not exist.
// Existing accounts are never modified; startup calls this for the
// configured admin.
func (s *Service) Provision(ctx context.Context, name, password string, admin bool) error {
	err := store.RunInTransaction(ctx, s.store, func(tx store.Tx) error {
		var existing Account
		err := tx.Get(DocPath(name), &existing)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		now := time.Now().UTC()
		salt := idgen.Hex(16)
		acct := Account{
			Name:    name,
			IsAdmin: admin,
			Credentials: &Credentials{
				Basic: &BasicCredentials{Salt: salt, Hash: auth.HashPassword(salt, password)},
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(DocPath(name), &acct); err != nil {
			return err
		}
		if err := tx.Put(BalancePath(name), decimal.Zero); err != nil {
			return err
		}
		return tx.Put(HeldPath(name), decimal.Zero)
	})
	if err != nil {
		return fmt.Errorf("provision account %s: %w", name, err)
	}
	return nil
}
