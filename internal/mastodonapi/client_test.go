package mastodonapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/crush-match/crush/internal/mastodonapi"
	"github.com/crush-match/crush/internal/social"
)

func newTestInstance(t *testing.T, handler http.Handler) (*mastodonapi.Client, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	parsedURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse instance url: %v", err)
	}
	client := mastodonapi.NewClient(mastodonapi.Config{
		Scheme:            "http",
		AppName:           "crush-match",
		RedirectURL:       "http://127.0.0.1:0/oauth/mastodon",
		RequestsPerSecond: 1000,
	})
	return client, parsedURL.Host
}

func TestNormalizeDomain(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"mastodon.social", "mastodon.social"},
		{"https://mastodon.social", "mastodon.social"},
		{"http://mastodon.social/", "mastodon.social"},
		{"  https://fosstodon.org/  ", "fosstodon.org"},
	}
	for _, testCase := range testCases {
		if normalized := mastodonapi.NormalizeDomain(testCase.input); normalized != testCase.expected {
			t.Errorf("NormalizeDomain(%q) = %q, expected %q", testCase.input, normalized, testCase.expected)
		}
	}
}

func TestCreateAppRegistersAndParsesCredentials(t *testing.T) {
	var registeredName string
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/apps" {
			http.NotFound(responseWriter, request)
			return
		}
		_ = request.ParseForm()
		registeredName = request.PostForm.Get("client_name")
		_ = json.NewEncoder(responseWriter).Encode(map[string]string{
			"client_id":     "app-id",
			"client_secret": "app-secret",
		})
	}))

	appCredentials, err := client.CreateApp(context.Background(), domain)
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	if appCredentials.ClientID != "app-id" || appCredentials.ClientSecret != "app-secret" {
		t.Fatalf("unexpected app credentials: %+v", appCredentials)
	}
	if registeredName != "crush-match" {
		t.Fatalf("instance saw app name %q", registeredName)
	}
}

func TestCreateAppNotFoundMeansInvalidDomain(t *testing.T) {
	client, domain := newTestInstance(t, http.NotFoundHandler())

	_, err := client.CreateApp(context.Background(), domain)
	if !errors.Is(err, mastodonapi.ErrInvalidDomain) {
		t.Fatalf("expected ErrInvalidDomain, got %v", err)
	}
}

func TestExchangeCodeReturnsBearer(t *testing.T) {
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/oauth/token" {
			http.NotFound(responseWriter, request)
			return
		}
		responseWriter.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(responseWriter).Encode(map[string]any{
			"access_token": "bearer-token",
			"token_type":   "Bearer",
		})
	}))

	bearer, err := client.ExchangeCode(context.Background(), domain, mastodonapi.AppCredentials{ClientID: "id", ClientSecret: "secret"}, "auth-code")
	if err != nil {
		t.Fatalf("exchange code: %v", err)
	}
	if bearer != "bearer-token" {
		t.Fatalf("unexpected bearer: %q", bearer)
	}
}

func TestAuthorizeURLTargetsInstanceConsentPage(t *testing.T) {
	client := mastodonapi.NewClient(mastodonapi.Config{AppName: "crush-match", RedirectURL: "http://127.0.0.1:0/oauth/mastodon"})

	authorizeURL := client.AuthorizeURL("mastodon.social", mastodonapi.AppCredentials{ClientID: "id"}, "state-token")
	if !strings.HasPrefix(authorizeURL, "https://mastodon.social/oauth/authorize?") {
		t.Fatalf("unexpected authorize url: %q", authorizeURL)
	}
	if !strings.Contains(authorizeURL, "state=state-token") {
		t.Fatalf("authorize url must carry the state: %q", authorizeURL)
	}
}

func TestVerifyCredentialsTakesDomainFromProfileURL(t *testing.T) {
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/accounts/verify_credentials" {
			http.NotFound(responseWriter, request)
			return
		}
		if !strings.HasPrefix(request.Header.Get("Authorization"), "Bearer ") {
			http.Error(responseWriter, "missing bearer", http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(responseWriter, `{
			"id": "1337",
			"username": "octo",
			"display_name": "Octo Cat",
			"avatar_static": "https://files.example/avatar",
			"header_static": "https://files.example/header",
			"url": "https://home.instance/@octo"
		}`)
	}))

	profile, err := client.VerifyCredentials(context.Background(), domain, "bearer-token")
	if err != nil {
		t.Fatalf("verify credentials: %v", err)
	}
	if profile.ID != 1337 || profile.Username != "octo" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.Domain != "home.instance" {
		t.Fatalf("domain must come from the profile url, got %q", profile.Domain)
	}
}

func TestGetUserAcceptsNumericIDs(t *testing.T) {
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		_, _ = fmt.Fprint(responseWriter, `{"id": 99, "username": "legacy", "display_name": "Legacy", "url": ""}`)
	}))

	profile, err := client.GetUser(context.Background(), domain, 99)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if profile.ID != 99 {
		t.Fatalf("numeric id must decode, got %d", profile.ID)
	}
	if profile.Domain != domain {
		t.Fatalf("empty profile url must fall back to the request domain, got %q", profile.Domain)
	}
}

func TestContactRefsFollowsLinkHeaderAndMergesOverlap(t *testing.T) {
	var requestedMaxIDs []string
	var handlerDomain string
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/accounts/10/followers" {
			http.NotFound(responseWriter, request)
			return
		}
		maxID := request.URL.Query().Get("max_id")
		requestedMaxIDs = append(requestedMaxIDs, maxID)
		switch maxID {
		case "":
			responseWriter.Header().Set("Link", fmt.Sprintf(`<http://%s/api/v1/accounts/10/followers?limit=80&max_id=2>; rel="next", <http://%s/api/v1/accounts/10/followers>; rel="prev"`, handlerDomain, handlerDomain))
			_, _ = fmt.Fprint(responseWriter, `[{"id":"1","username":"a","url":""},{"id":"2","username":"b","url":""}]`)
		case "2":
			// The first entry repeats the previous page's tail.
			_, _ = fmt.Fprint(responseWriter, `[{"id":"2","username":"b","url":""},{"id":"3","username":"c","url":"https://other.instance/@c"}]`)
		default:
			http.Error(responseWriter, "unexpected cursor", http.StatusBadRequest)
		}
	}))
	handlerDomain = domain

	account := social.Account{Kind: social.KindMastodon, ID: 10, Domain: domain, Bearer: "bearer-token"}
	references, err := client.ContactRefs(context.Background(), account, social.ContactFollowers)
	if err != nil {
		t.Fatalf("contact refs: %v", err)
	}
	if len(requestedMaxIDs) != 2 || requestedMaxIDs[1] != "2" {
		t.Fatalf("unexpected cursor walk: %v", requestedMaxIDs)
	}
	expectedReferences := []social.UserRef{
		{ID: 1, Domain: domain},
		{ID: 2, Domain: domain},
		{ID: 3, Domain: "other.instance"},
	}
	if len(references) != len(expectedReferences) {
		t.Fatalf("expected %d distinct references, got %v", len(expectedReferences), references)
	}
	for referenceIndex, expectedReference := range expectedReferences {
		if references[referenceIndex] != expectedReference {
			t.Fatalf("reference %d = %v, expected %v", referenceIndex, references[referenceIndex], expectedReference)
		}
	}
}

func TestHydrateUsersFetchesEachHomeInstance(t *testing.T) {
	client, domain := newTestInstance(t, http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		switch request.URL.Path {
		case "/api/v1/accounts/5":
			_, _ = fmt.Fprint(responseWriter, `{"id":"5","username":"five","display_name":"Five","url":""}`)
		case "/api/v1/accounts/6":
			_, _ = fmt.Fprint(responseWriter, `{"id":"6","username":"six","display_name":"Six","url":""}`)
		default:
			http.NotFound(responseWriter, request)
		}
	}))

	references := []social.UserRef{
		{ID: 5, Domain: domain},
		{ID: 6, Domain: domain},
	}
	hydratedUsers, err := client.HydrateUsers(context.Background(), social.Account{Kind: social.KindMastodon}, references)
	if err != nil {
		t.Fatalf("hydrate users: %v", err)
	}
	if len(hydratedUsers) != 2 || hydratedUsers[0].Username != "five" || hydratedUsers[1].Username != "six" {
		t.Fatalf("unexpected hydration order or content: %+v", hydratedUsers)
	}
}
