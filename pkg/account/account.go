// Package account implements the account model of spec.md §3/§6: an
// account id/name pair with optional certificate DNs and a salted-SHA-256
// password hash, an authoritative `accounts.xml` filesystem store, and an
// optional SQLite read-through cache in front of it.
// Grounded on infd-filesystem-account-storage.c's XML layout and hashing
// scheme (salt+hash via a digest, here crypto/sha256 instead of gnutls).
package account

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// Account is one entry in the account store.
type Account struct {
	ID            string    `xml:"id,attr"`
	Name          string    `xml:"name,attr,omitempty"`
	Certificates  []string  `xml:"certificate"`
	PasswordSalt  string    `xml:"password-salt,attr,omitempty"`
	PasswordHash  string    `xml:"password-hash,attr,omitempty"`
	FirstSeen     time.Time `xml:"first-seen,attr"`
	LastSeen      time.Time `xml:"last-seen,attr"`
}

// HasPassword reports whether a password challenge is configured.
func (a *Account) HasPassword() bool {
	return a.PasswordSalt != "" && a.PasswordHash != ""
}

// saltSize matches the teacher source's 32-byte salt.
const saltSize = 32

// SetPassword derives a fresh random salt and stores the SHA-256 hash of
// (first half of salt || pw || second half of salt), replacing whatever
// password this account had before.
func (a *Account) SetPassword(password string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating password salt: %w", infinoerr.ErrStorage)
	}
	a.PasswordSalt = hex.EncodeToString(salt)
	a.PasswordHash = hex.EncodeToString(hashPassword(salt, password))
	return nil
}

// CheckPassword reports whether password matches the stored hash, in
// constant time.
func (a *Account) CheckPassword(password string) bool {
	if !a.HasPassword() {
		return false
	}
	salt, err := hex.DecodeString(a.PasswordSalt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(a.PasswordHash)
	if err != nil {
		return false
	}
	got := hashPassword(salt, password)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// hashPassword reproduces spec.md §6's exact digest layout: SHA-256 of
// (first 16 bytes of salt || password || last 16 bytes of salt), salt
// being the full saltSize-byte value.
func hashPassword(salt []byte, password string) []byte {
	h := sha256.New()
	half := len(salt) / 2
	h.Write(salt[:half])
	h.Write([]byte(password))
	h.Write(salt[half:])
	return h.Sum(nil)
}

// accountsXML is the root element of the authoritative store file.
type accountsXML struct {
	XMLName  xml.Name  `xml:"accounts"`
	Accounts []Account `xml:"account"`
}

// Store is the authoritative accounts.xml-backed filesystem collaborator.
type Store struct {
	path     string
	accounts map[string]*Account
}

// LoadStore reads path (creating an empty store file if it does not yet
// exist) into memory.
func LoadStore(path string) (*Store, error) {
	s := &Store{path: path, accounts: make(map[string]*Account)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, infinoerr.ErrStorage)
	}

	var doc accountsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, infinoerr.ErrMalformedXML)
	}
	for i := range doc.Accounts {
		a := doc.Accounts[i]
		s.accounts[a.ID] = &a
	}
	return s, nil
}

// Save persists the current account set to the backing file.
func (s *Store) Save() error {
	doc := accountsXML{}
	for _, a := range s.accounts {
		doc.Accounts = append(doc.Accounts, *a)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding accounts: %w", infinoerr.ErrStorage)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", s.path, infinoerr.ErrStorage)
	}
	return nil
}

// Lookup returns the account with the given id, if any.
func (s *Store) Lookup(id string) (*Account, bool) {
	a, ok := s.accounts[id]
	return a, ok
}

// LookupByName finds an account by its display name, if any.
func (s *Store) LookupByName(name string) (*Account, bool) {
	for _, a := range s.accounts {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// LookupByCertificate finds an account whose certificate DN list contains
// dn, if any.
func (s *Store) LookupByCertificate(dn string) (*Account, bool) {
	for _, a := range s.accounts {
		for _, c := range a.Certificates {
			if c == dn {
				return a, true
			}
		}
	}
	return nil, false
}

// Create adds a new account and persists the store.
func (s *Store) Create(id, name string) (*Account, error) {
	if _, exists := s.accounts[id]; exists {
		return nil, fmt.Errorf("account %q already exists: %w", id, infinoerr.ErrNameInUse)
	}
	a := &Account{ID: id, Name: name, FirstSeen: time.Now(), LastSeen: time.Now()}
	s.accounts[id] = a
	if err := s.Save(); err != nil {
		delete(s.accounts, id)
		return nil, err
	}
	return a, nil
}

// Touch updates an account's last-seen timestamp and persists the store,
// called once per successful authentication.
func (s *Store) Touch(id string) error {
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %q does not exist: %w", id, infinoerr.ErrInvalidRequest)
	}
	a.LastSeen = time.Now()
	return s.Save()
}

// Remove deletes an account and persists the store.
func (s *Store) Remove(id string) error {
	if _, exists := s.accounts[id]; !exists {
		return fmt.Errorf("account %q does not exist: %w", id, infinoerr.ErrInvalidRequest)
	}
	delete(s.accounts, id)
	return s.Save()
}

// List returns every account, in no particular order.
func (s *Store) List() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out
}
