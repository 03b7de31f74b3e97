// Package linking drives the account login flows: hand the user's
// browser to the provider's consent page, take the callback, trade it
// for permanent credentials, and register the verified account. One flow
// runs at a time; handshake secrets live in an encrypted namespace only
// until the callback consumes them.
package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/securestore"
	"github.com/crush-match/crush/internal/social"
	"github.com/crush-match/crush/internal/twitterapi"
)

// Phase is where a login flow currently stands.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingCallback Phase = "awaiting_callback"
	PhaseExchanging       Phase = "exchanging"
	PhaseVerifying        Phase = "verifying"
	PhaseRegistering      Phase = "registering"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
)

const (
	tempNamespaceName = "linking.pending"

	tempKeyKind         = "kind"
	tempKeyToken        = "oauth.token"
	tempKeyTokenSecret  = "oauth.tokenSecret"
	tempKeyDomain       = "mastodon.domain"
	tempKeyClientID     = "mastodon.clientId"
	tempKeyClientSecret = "mastodon.clientSecret"
	tempKeyState        = "mastodon.state"

	stateTokenBytes = 24
)

var (
	// ErrFlowInProgress rejects a second login while one is pending.
	ErrFlowInProgress = errors.New("a login flow is already in progress")
	// ErrNoFlow means a callback arrived with nothing pending.
	ErrNoFlow = errors.New("no login flow awaiting a callback")
	// ErrAuthMismatch means the callback does not belong to the pending
	// handshake.
	ErrAuthMismatch = errors.New("callback does not match the pending login")
	// ErrBrowserUnavailable means no browser could be opened for consent.
	ErrBrowserUnavailable = errors.New("could not open a browser for authorization")
)

// BrowserLauncher opens an authorize URL for the user.
type BrowserLauncher interface {
	Open(address string) error
}

// ExecBrowserLauncher shells out to the platform opener.
type ExecBrowserLauncher struct{}

// Open starts the platform browser opener without waiting for it.
func (ExecBrowserLauncher) Open(address string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", address).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", address).Start()
	default:
		return exec.Command("xdg-open", address).Start()
	}
}

// TwitterClient is the slice of the provider client the flow needs.
type TwitterClient interface {
	RequestToken(ctx context.Context) (twitterapi.TempCredentials, error)
	AuthorizeURL(tempToken string) string
	AccessToken(ctx context.Context, tempToken string, verifier string) (twitterapi.AccessCredentials, error)
	RefreshProfile(ctx context.Context, account social.Account) (social.User, error)
}

// MastodonClient is the slice of the instance client the flow needs.
type MastodonClient interface {
	CreateApp(ctx context.Context, domain string) (mastodonapi.AppCredentials, error)
	AuthorizeURL(domain string, appCredentials mastodonapi.AppCredentials, state string) string
	ExchangeCode(ctx context.Context, domain string, appCredentials mastodonapi.AppCredentials, code string) (string, error)
	VerifyCredentials(ctx context.Context, domain string, bearer string) (social.User, error)
}

// Registrar takes a verified account into the registry.
type Registrar interface {
	Add(account social.Account) error
}

// Flow is the login state machine. The zero value is unusable; build one
// with NewFlow.
type Flow struct {
	mutex           sync.Mutex
	phase           Phase
	failureReason   error
	twitter         TwitterClient
	mastodon        MastodonClient
	registrar       Registrar
	browser         BrowserLauncher
	tempCredentials *securestore.Namespace
	logger          *zap.Logger
}

// NewFlow builds a flow over the given provider clients. The store holds
// the short-lived handshake namespace. A nil launcher means the exec
// default.
func NewFlow(store *securestore.Store, twitter TwitterClient, mastodon MastodonClient, registrar Registrar, browser BrowserLauncher, logger *zap.Logger) (*Flow, error) {
	tempCredentials, err := store.OpenNamespace(tempNamespaceName)
	if err != nil {
		return nil, err
	}
	if browser == nil {
		browser = ExecBrowserLauncher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flow{
		phase:           PhaseIdle,
		twitter:         twitter,
		mastodon:        mastodon,
		registrar:       registrar,
		browser:         browser,
		tempCredentials: tempCredentials,
		logger:          logger,
	}, nil
}

// Phase reports the flow's current phase.
func (flow *Flow) Phase() Phase {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	return flow.phase
}

// FailureReason reports why the last flow failed, nil otherwise.
func (flow *Flow) FailureReason() error {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	return flow.failureReason
}

func (flow *Flow) begin() error {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	switch flow.phase {
	case PhaseIdle, PhaseDone, PhaseFailed:
		flow.phase = PhaseAwaitingCallback
		flow.failureReason = nil
		return nil
	default:
		return ErrFlowInProgress
	}
}

func (flow *Flow) setPhase(phase Phase) {
	flow.mutex.Lock()
	flow.phase = phase
	flow.mutex.Unlock()
}

func (flow *Flow) fail(err error) error {
	flow.mutex.Lock()
	flow.phase = PhaseFailed
	flow.failureReason = err
	flow.mutex.Unlock()
	_ = flow.tempCredentials.Clear()
	return err
}

// takePending reads the whole handshake namespace and clears it. The
// secrets are single-use: once a callback consumes them they are gone
// whether the exchange later succeeds or not.
func (flow *Flow) takePending() map[string]string {
	pending := map[string]string{
		tempKeyKind:         flow.tempCredentials.Get(tempKeyKind, ""),
		tempKeyToken:        flow.tempCredentials.Get(tempKeyToken, ""),
		tempKeyTokenSecret:  flow.tempCredentials.Get(tempKeyTokenSecret, ""),
		tempKeyDomain:       flow.tempCredentials.Get(tempKeyDomain, ""),
		tempKeyClientID:     flow.tempCredentials.Get(tempKeyClientID, ""),
		tempKeyClientSecret: flow.tempCredentials.Get(tempKeyClientSecret, ""),
		tempKeyState:        flow.tempCredentials.Get(tempKeyState, ""),
	}
	_ = flow.tempCredentials.Clear()
	return pending
}

// StartTwitter begins the OAuth 1.0a handshake and opens the consent
// page. It returns the authorize URL so callers can also present it.
func (flow *Flow) StartTwitter(ctx context.Context) (string, error) {
	if err := flow.begin(); err != nil {
		return "", err
	}
	tempCredentials, err := flow.twitter.RequestToken(ctx)
	if err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyKind, string(social.KindTwitter)); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyToken, tempCredentials.Token); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyTokenSecret, tempCredentials.TokenSecret); err != nil {
		return "", flow.fail(err)
	}

	authorizeURL := flow.twitter.AuthorizeURL(tempCredentials.Token)
	if err := flow.browser.Open(authorizeURL); err != nil {
		return "", flow.fail(fmt.Errorf("%w: %v", ErrBrowserUnavailable, err))
	}
	flow.logger.Info("twitter login started, awaiting callback")
	return authorizeURL, nil
}

// CompleteTwitter consumes the OAuth 1.0a callback. The temp token must
// match the pending handshake or the flow aborts before the exchange.
func (flow *Flow) CompleteTwitter(ctx context.Context, callbackToken string, verifier string) (social.Account, error) {
	flow.mutex.Lock()
	if flow.phase != PhaseAwaitingCallback {
		flow.mutex.Unlock()
		return social.Account{}, ErrNoFlow
	}
	flow.phase = PhaseExchanging
	flow.mutex.Unlock()

	pending := flow.takePending()
	if pending[tempKeyKind] != string(social.KindTwitter) {
		return social.Account{}, flow.fail(ErrNoFlow)
	}
	if pending[tempKeyToken] == "" || pending[tempKeyToken] != callbackToken {
		return social.Account{}, flow.fail(ErrAuthMismatch)
	}

	accessCredentials, err := flow.twitter.AccessToken(ctx, callbackToken, verifier)
	if err != nil {
		return social.Account{}, flow.fail(err)
	}

	flow.setPhase(PhaseVerifying)
	// Hydrate through a provisional account so the lookup signs with the
	// just-exchanged token pair; no account is registered yet.
	provisional := social.Account{
		Kind:        social.KindTwitter,
		ID:          accessCredentials.UserID,
		Token:       accessCredentials.Token,
		TokenSecret: accessCredentials.TokenSecret,
	}
	profile, err := flow.twitter.RefreshProfile(ctx, provisional)
	if err != nil {
		return social.Account{}, flow.fail(err)
	}
	if profile.ID != accessCredentials.UserID {
		return social.Account{}, flow.fail(fmt.Errorf("profile lookup returned user %d for id %d", profile.ID, accessCredentials.UserID))
	}

	flow.setPhase(PhaseRegistering)
	account := social.TwitterAccountFrom(profile, accessCredentials.Token, accessCredentials.TokenSecret)
	if err := flow.registrar.Add(account); err != nil {
		return social.Account{}, flow.fail(err)
	}

	flow.setPhase(PhaseDone)
	flow.logger.Info("twitter account linked", zap.Int64("account_id", account.ID))
	return account, nil
}

// StartMastodon registers the app on the instance, begins the OAuth2
// code flow, and opens the consent page.
func (flow *Flow) StartMastodon(ctx context.Context, rawDomain string) (string, error) {
	if err := flow.begin(); err != nil {
		return "", err
	}
	domain := mastodonapi.NormalizeDomain(rawDomain)
	appCredentials, err := flow.mastodon.CreateApp(ctx, domain)
	if err != nil {
		return "", flow.fail(err)
	}

	stateToken := randomStateToken()
	if err := flow.tempCredentials.Set(tempKeyKind, string(social.KindMastodon)); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyDomain, domain); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyClientID, appCredentials.ClientID); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyClientSecret, appCredentials.ClientSecret); err != nil {
		return "", flow.fail(err)
	}
	if err := flow.tempCredentials.Set(tempKeyState, stateToken); err != nil {
		return "", flow.fail(err)
	}

	authorizeURL := flow.mastodon.AuthorizeURL(domain, appCredentials, stateToken)
	if err := flow.browser.Open(authorizeURL); err != nil {
		return "", flow.fail(fmt.Errorf("%w: %v", ErrBrowserUnavailable, err))
	}
	flow.logger.Info("mastodon login started, awaiting callback", zap.String("domain", domain))
	return authorizeURL, nil
}

// CompleteMastodon consumes the OAuth2 callback. The state must match
// the pending handshake or the flow aborts before the exchange.
func (flow *Flow) CompleteMastodon(ctx context.Context, code string, state string) (social.Account, error) {
	flow.mutex.Lock()
	if flow.phase != PhaseAwaitingCallback {
		flow.mutex.Unlock()
		return social.Account{}, ErrNoFlow
	}
	flow.phase = PhaseExchanging
	flow.mutex.Unlock()

	pending := flow.takePending()
	if pending[tempKeyKind] != string(social.KindMastodon) {
		return social.Account{}, flow.fail(ErrNoFlow)
	}
	if pending[tempKeyState] == "" || pending[tempKeyState] != state {
		return social.Account{}, flow.fail(ErrAuthMismatch)
	}

	domain := pending[tempKeyDomain]
	appCredentials := mastodonapi.AppCredentials{
		ClientID:     pending[tempKeyClientID],
		ClientSecret: pending[tempKeyClientSecret],
	}
	bearer, err := flow.mastodon.ExchangeCode(ctx, domain, appCredentials, code)
	if err != nil {
		return social.Account{}, flow.fail(err)
	}

	flow.setPhase(PhaseVerifying)
	profile, err := flow.mastodon.VerifyCredentials(ctx, domain, bearer)
	if err != nil {
		return social.Account{}, flow.fail(err)
	}

	flow.setPhase(PhaseRegistering)
	account := social.MastodonAccountFrom(profile, bearer)
	if err := flow.registrar.Add(account); err != nil {
		return social.Account{}, flow.fail(err)
	}

	flow.setPhase(PhaseDone)
	flow.logger.Info("mastodon account linked",
		zap.Int64("account_id", account.ID),
		zap.String("domain", account.Domain),
	)
	return account, nil
}

func randomStateToken() string {
	raw := make([]byte, stateTokenBytes)
	_, _ = rand.Read(raw)
	return base64.RawURLEncoding.EncodeToString(raw)
}
