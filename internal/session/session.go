// Package session exposes the process's active credentials to the
// provider clients. The registry owns the accounts; the session is the
// read-side view clients consult on every request, so a newly linked or
// switched account takes effect immediately.
package session

import (
	"sync"

	"github.com/crush-match/crush/internal/accounts"
	"github.com/crush-match/crush/internal/social"
)

// Session reads signing credentials out of the account registry. Bind is
// separate from construction because the registry's profile refreshers
// are the same clients that consume the session.
type Session struct {
	mutex    sync.RWMutex
	registry *accounts.Registry
}

// New returns an unbound session. Credentials read as absent until Bind.
func New() *Session {
	return &Session{}
}

// Bind attaches the registry the session reads from.
func (session *Session) Bind(registry *accounts.Registry) {
	session.mutex.Lock()
	session.registry = registry
	session.mutex.Unlock()
}

// TwitterCredentials returns the current account's OAuth1 token pair.
// When the current account is not Twitter-like the pair reads as absent
// and requests go out with the consumer key alone; profile refreshes sign
// with their own account's pair and never consult the session.
func (session *Session) TwitterCredentials() (string, string, bool) {
	session.mutex.RLock()
	registry := session.registry
	session.mutex.RUnlock()
	if registry == nil {
		return "", "", false
	}
	currentAccount, hasCurrent := registry.Current()
	if !hasCurrent || currentAccount.Kind != social.KindTwitter {
		return "", "", false
	}
	return currentAccount.Token, currentAccount.TokenSecret, true
}
