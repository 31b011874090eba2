package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/infinoted/infinote/pkg/account"
)

// checkSharedPassword reports whether r carries the server-wide shared
// password configured via --password, presented as HTTP basic-auth (the
// username is ignored; it exists only because the HTTP basic-auth scheme
// requires one).
func (s *Server) checkSharedPassword(r *http.Request) bool {
	_, pw, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pw), []byte(s.cfg.Password)) == 1
}

// authenticatePassword looks up the account named by the basic-auth
// username and checks pw against its stored password hash.
func (s *Server) authenticatePassword(r *http.Request, pw string) (*account.Account, bool) {
	name, _, ok := r.BasicAuth()
	if !ok {
		return nil, false
	}
	acc, found := s.accounts.LookupByName(name)
	if !found || !acc.CheckPassword(pw) {
		return nil, false
	}
	return acc, true
}
