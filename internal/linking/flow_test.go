package linking_test

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/crush-match/crush/internal/linking"
	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/securestore"
	"github.com/crush-match/crush/internal/social"
	"github.com/crush-match/crush/internal/twitterapi"
)

type stubTwitterClient struct {
	tempCredentials   twitterapi.TempCredentials
	accessCredentials twitterapi.AccessCredentials
	profile           social.User
	requestTokenError error
	accessTokenCalled bool
	refreshedAccount  social.Account
}

func (client *stubTwitterClient) RequestToken(context.Context) (twitterapi.TempCredentials, error) {
	if client.requestTokenError != nil {
		return twitterapi.TempCredentials{}, client.requestTokenError
	}
	return client.tempCredentials, nil
}

func (client *stubTwitterClient) AuthorizeURL(tempToken string) string {
	return "https://provider.example/oauth/authenticate?oauth_token=" + tempToken
}

func (client *stubTwitterClient) AccessToken(_ context.Context, _ string, _ string) (twitterapi.AccessCredentials, error) {
	client.accessTokenCalled = true
	return client.accessCredentials, nil
}

func (client *stubTwitterClient) RefreshProfile(_ context.Context, account social.Account) (social.User, error) {
	client.refreshedAccount = account
	return client.profile, nil
}

type stubMastodonClient struct {
	createAppDomain string
	createAppError  error
	bearer          string
	profile         social.User
	exchangeCalled  bool
}

func (client *stubMastodonClient) CreateApp(_ context.Context, domain string) (mastodonapi.AppCredentials, error) {
	client.createAppDomain = domain
	if client.createAppError != nil {
		return mastodonapi.AppCredentials{}, client.createAppError
	}
	return mastodonapi.AppCredentials{ClientID: "app-id", ClientSecret: "app-secret"}, nil
}

func (client *stubMastodonClient) AuthorizeURL(domain string, _ mastodonapi.AppCredentials, state string) string {
	return "https://" + domain + "/oauth/authorize?state=" + state
}

func (client *stubMastodonClient) ExchangeCode(_ context.Context, _ string, _ mastodonapi.AppCredentials, _ string) (string, error) {
	client.exchangeCalled = true
	return client.bearer, nil
}

func (client *stubMastodonClient) VerifyCredentials(_ context.Context, _ string, _ string) (social.User, error) {
	return client.profile, nil
}

type recordingRegistrar struct {
	added    []social.Account
	addError error
}

func (registrar *recordingRegistrar) Add(account social.Account) error {
	if registrar.addError != nil {
		return registrar.addError
	}
	registrar.added = append(registrar.added, account)
	return nil
}

type recordingBrowser struct {
	openedURLs []string
	openError  error
}

func (browser *recordingBrowser) Open(address string) error {
	if browser.openError != nil {
		return browser.openError
	}
	browser.openedURLs = append(browser.openedURLs, address)
	return nil
}

func newTestFlow(t *testing.T, twitter linking.TwitterClient, mastodon linking.MastodonClient) (*linking.Flow, *recordingRegistrar, *recordingBrowser, *securestore.Store) {
	t.Helper()
	store, err := securestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	registrar := &recordingRegistrar{}
	browser := &recordingBrowser{}
	flow, err := linking.NewFlow(store, twitter, mastodon, registrar, browser, nil)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	return flow, registrar, browser, store
}

func pendingNamespaceIsEmpty(t *testing.T, store *securestore.Store) bool {
	t.Helper()
	namespace, err := store.OpenNamespace("linking.pending")
	if err != nil {
		t.Fatalf("open pending namespace: %v", err)
	}
	return namespace.Get("oauth.token", "") == "" &&
		namespace.Get("oauth.tokenSecret", "") == "" &&
		namespace.Get("mastodon.state", "") == ""
}

func TestTwitterFlowLinksAccount(t *testing.T) {
	twitter := &stubTwitterClient{
		tempCredentials: twitterapi.TempCredentials{Token: "temp-token", TokenSecret: "temp-secret", CallbackConfirmed: true},
		accessCredentials: twitterapi.AccessCredentials{
			Token: "perm-token", TokenSecret: "perm-secret", UserID: 42, ScreenName: "linked",
		},
		profile: social.User{ID: 42, Username: "linked", FullName: "Linked User"},
	}
	flow, registrar, browser, store := newTestFlow(t, twitter, &stubMastodonClient{})

	authorizeURL, err := flow.StartTwitter(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if flow.Phase() != linking.PhaseAwaitingCallback {
		t.Fatalf("expected awaiting callback, got %s", flow.Phase())
	}
	if len(browser.openedURLs) != 1 || browser.openedURLs[0] != authorizeURL {
		t.Fatalf("browser must open the authorize url, got %v", browser.openedURLs)
	}
	parsedURL, err := url.Parse(authorizeURL)
	if err != nil || parsedURL.Query().Get("oauth_token") != "temp-token" {
		t.Fatalf("authorize url must carry the temp token: %q", authorizeURL)
	}

	account, err := flow.CompleteTwitter(context.Background(), "temp-token", "verifier-value")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if flow.Phase() != linking.PhaseDone {
		t.Fatalf("expected done, got %s", flow.Phase())
	}
	if account.Kind != social.KindTwitter || account.ID != 42 || account.Token != "perm-token" {
		t.Fatalf("unexpected linked account: %+v", account)
	}
	if len(registrar.added) != 1 {
		t.Fatalf("account must be registered once, got %d", len(registrar.added))
	}
	if twitter.refreshedAccount.ID != 42 {
		t.Fatalf("profile must be hydrated by the exchanged user id, got %+v", twitter.refreshedAccount)
	}
	if twitter.refreshedAccount.Token != "perm-token" || twitter.refreshedAccount.TokenSecret != "perm-secret" {
		t.Fatalf("hydration must sign with the exchanged token pair, got %+v", twitter.refreshedAccount)
	}
	if !pendingNamespaceIsEmpty(t, store) {
		t.Fatal("handshake secrets must be cleared after completion")
	}
}

func TestTwitterCallbackTokenMismatchAborts(t *testing.T) {
	twitter := &stubTwitterClient{
		tempCredentials: twitterapi.TempCredentials{Token: "temp-token", TokenSecret: "temp-secret"},
	}
	flow, registrar, _, store := newTestFlow(t, twitter, &stubMastodonClient{})

	if _, err := flow.StartTwitter(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := flow.CompleteTwitter(context.Background(), "forged-token", "verifier-value")
	if !errors.Is(err, linking.ErrAuthMismatch) {
		t.Fatalf("expected ErrAuthMismatch, got %v", err)
	}
	if twitter.accessTokenCalled {
		t.Fatal("mismatched callback must abort before the token exchange")
	}
	if len(registrar.added) != 0 {
		t.Fatal("nothing must be registered on mismatch")
	}
	if flow.Phase() != linking.PhaseFailed {
		t.Fatalf("expected failed, got %s", flow.Phase())
	}
	if !pendingNamespaceIsEmpty(t, store) {
		t.Fatal("handshake secrets must be cleared even on mismatch")
	}
}

func TestSecondStartWhilePendingIsRejected(t *testing.T) {
	twitter := &stubTwitterClient{
		tempCredentials: twitterapi.TempCredentials{Token: "temp-token"},
	}
	flow, _, _, _ := newTestFlow(t, twitter, &stubMastodonClient{})

	if _, err := flow.StartTwitter(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := flow.StartTwitter(context.Background())
	if !errors.Is(err, linking.ErrFlowInProgress) {
		t.Fatalf("expected ErrFlowInProgress, got %v", err)
	}
}

func TestBrowserFailureFailsTheFlow(t *testing.T) {
	twitter := &stubTwitterClient{
		tempCredentials: twitterapi.TempCredentials{Token: "temp-token"},
	}
	flow, _, browser, _ := newTestFlow(t, twitter, &stubMastodonClient{})
	browser.openError = errors.New("no display")

	_, err := flow.StartTwitter(context.Background())
	if !errors.Is(err, linking.ErrBrowserUnavailable) {
		t.Fatalf("expected ErrBrowserUnavailable, got %v", err)
	}
	if flow.Phase() != linking.PhaseFailed {
		t.Fatalf("expected failed, got %s", flow.Phase())
	}

	// A failed flow must not block the next attempt.
	browser.openError = nil
	if _, err := flow.StartTwitter(context.Background()); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestCallbackWithoutFlow(t *testing.T) {
	flow, _, _, _ := newTestFlow(t, &stubTwitterClient{}, &stubMastodonClient{})

	_, err := flow.CompleteTwitter(context.Background(), "token", "verifier")
	if !errors.Is(err, linking.ErrNoFlow) {
		t.Fatalf("expected ErrNoFlow, got %v", err)
	}
}

func TestMastodonFlowLinksAccount(t *testing.T) {
	mastodon := &stubMastodonClient{
		bearer:  "bearer-token",
		profile: social.User{ID: 1337, Username: "octo", Domain: "home.instance"},
	}
	flow, registrar, browser, store := newTestFlow(t, &stubTwitterClient{}, mastodon)

	authorizeURL, err := flow.StartMastodon(context.Background(), "https://Home.Instance/")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if mastodon.createAppDomain != "home.instance" {
		t.Fatalf("domain must be normalized before app registration, got %q", mastodon.createAppDomain)
	}
	parsedURL, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	stateToken := parsedURL.Query().Get("state")
	if stateToken == "" {
		t.Fatalf("authorize url must carry a state token: %q", authorizeURL)
	}
	if len(browser.openedURLs) != 1 {
		t.Fatalf("browser must open once, got %v", browser.openedURLs)
	}

	account, err := flow.CompleteMastodon(context.Background(), "auth-code", stateToken)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if account.Kind != social.KindMastodon || account.ID != 1337 || account.Bearer != "bearer-token" {
		t.Fatalf("unexpected linked account: %+v", account)
	}
	if account.Domain != "home.instance" {
		t.Fatalf("account domain must come from the verified profile, got %q", account.Domain)
	}
	if len(registrar.added) != 1 {
		t.Fatalf("account must be registered once, got %d", len(registrar.added))
	}
	if !pendingNamespaceIsEmpty(t, store) {
		t.Fatal("handshake secrets must be cleared after completion")
	}
}

func TestMastodonStateMismatchAborts(t *testing.T) {
	mastodon := &stubMastodonClient{bearer: "bearer-token"}
	flow, _, _, store := newTestFlow(t, &stubTwitterClient{}, mastodon)

	if _, err := flow.StartMastodon(context.Background(), "home.instance"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := flow.CompleteMastodon(context.Background(), "auth-code", "forged-state")
	if !errors.Is(err, linking.ErrAuthMismatch) {
		t.Fatalf("expected ErrAuthMismatch, got %v", err)
	}
	if mastodon.exchangeCalled {
		t.Fatal("mismatched state must abort before the code exchange")
	}
	if !pendingNamespaceIsEmpty(t, store) {
		t.Fatal("handshake secrets must be cleared even on mismatch")
	}
}

func TestMastodonInvalidDomainSurfaces(t *testing.T) {
	mastodon := &stubMastodonClient{createAppError: mastodonapi.ErrInvalidDomain}
	flow, _, _, _ := newTestFlow(t, &stubTwitterClient{}, mastodon)

	_, err := flow.StartMastodon(context.Background(), "not-an-instance.example")
	if !errors.Is(err, mastodonapi.ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
	if flow.Phase() != linking.PhaseFailed {
		t.Fatalf("expected failed, got %s", flow.Phase())
	}
}
