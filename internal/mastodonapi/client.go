// Package mastodonapi talks to Mastodon instances. Unlike the other
// provider, there is no single API host: every call is routed to the
// instance named by an account's domain, and cross-instance profile
// lookups go straight to the foreign instance's public API.
package mastodonapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/crush-match/crush/internal/social"
)

const (
	createAppPath         = "/api/v1/apps"
	authorizePath         = "/oauth/authorize"
	tokenPath             = "/oauth/token"
	verifyCredentialsPath = "/api/v1/accounts/verify_credentials"
	accountPathFormat     = "/api/v1/accounts/%d"
	contactsPathFormat    = "/api/v1/accounts/%d/%s"

	followersPathSegment = "followers"
	followingPathSegment = "following"

	contactsPageLimit = "80"

	oauthScope        = "read"
	linkHeaderName    = "Link"
	nextRelationValue = `rel="next"`
	maxIDParameter    = "max_id"
	limitParameter    = "limit"

	defaultScheme             = "https"
	defaultHTTPTimeout        = 30 * time.Second
	defaultHydrateConcurrency = 4
	defaultRequestsPerSecond  = 4
	defaultRequestBurst       = 2
	maxResponseBytes          = 4 << 20

	opCreateApp         = "mastodon create app"
	opExchangeCode      = "mastodon token exchange"
	opVerifyCredentials = "mastodon verify credentials"
	opFetchAccount      = "mastodon fetch account"
	opFetchContacts     = "mastodon fetch contacts"
)

// ErrInvalidDomain marks a domain that does not answer the app
// registration endpoint, which is how a typo'd instance name shows up.
var ErrInvalidDomain = errors.New("domain is not a mastodon instance")

// AppCredentials identify this application on one instance. Registration
// is per domain, so callers cache one pair per instance.
type AppCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Config carries the client construction parameters.
type Config struct {
	// Scheme overrides the https default, which tests use to point the
	// client at a plain-HTTP stand-in instance.
	Scheme             string
	AppName            string
	RedirectURL        string
	HTTPClient         *http.Client
	Logger             *zap.Logger
	HydrateConcurrency int
	RequestsPerSecond  int
}

// Client issues calls against Mastodon instances, one rate limiter shared
// across all of them.
type Client struct {
	scheme             string
	appName            string
	redirectURL        string
	httpClient         *http.Client
	logger             *zap.Logger
	hydrateConcurrency int
	limiter            *rate.Limiter
	hydrateGroup       singleflight.Group
}

// NewClient builds a client with defaults filled in.
func NewClient(configuration Config) *Client {
	scheme := configuration.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}
	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hydrateConcurrency := configuration.HydrateConcurrency
	if hydrateConcurrency <= 0 {
		hydrateConcurrency = defaultHydrateConcurrency
	}
	requestsPerSecond := configuration.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}
	return &Client{
		scheme:             scheme,
		appName:            configuration.AppName,
		redirectURL:        configuration.RedirectURL,
		httpClient:         httpClient,
		logger:             logger,
		hydrateConcurrency: hydrateConcurrency,
		limiter:            rate.NewLimiter(rate.Limit(requestsPerSecond), defaultRequestBurst),
	}
}

// NormalizeDomain strips a scheme prefix and trailing slashes from user
// input so "https://mastodon.social/" and "mastodon.social" name the same
// instance.
func NormalizeDomain(input string) string {
	domain := strings.ToLower(strings.TrimSpace(input))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimRight(domain, "/")
}

func (client *Client) instanceURL(domain string, path string) string {
	return fmt.Sprintf("%s://%s%s", client.scheme, domain, path)
}

// CreateApp registers this application on the given instance. A 404 from
// the registration endpoint means the domain is not a Mastodon instance
// at all, which callers surface as an invalid-domain error.
func (client *Client) CreateApp(ctx context.Context, domain string) (AppCredentials, error) {
	formValues := url.Values{}
	formValues.Set("client_name", client.appName)
	formValues.Set("redirect_uris", client.redirectURL)
	formValues.Set("scopes", oauthScope)

	responseBody, err := client.do(ctx, opCreateApp, http.MethodPost, client.instanceURL(domain, createAppPath), "", formValues)
	if err != nil {
		var transportError *social.TransportError
		if errors.As(err, &transportError) && transportError.StatusCode == http.StatusNotFound {
			return AppCredentials{}, ErrInvalidDomain
		}
		return AppCredentials{}, err
	}

	var appCredentials AppCredentials
	if err := json.Unmarshal(responseBody, &appCredentials); err != nil {
		return AppCredentials{}, social.NewNetworkError(opCreateApp, err)
	}
	return appCredentials, nil
}

func (client *Client) oauthConfig(domain string, appCredentials AppCredentials) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     appCredentials.ClientID,
		ClientSecret: appCredentials.ClientSecret,
		RedirectURL:  client.redirectURL,
		Scopes:       []string{oauthScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  client.instanceURL(domain, authorizePath),
			TokenURL: client.instanceURL(domain, tokenPath),
		},
	}
}

// AuthorizeURL is the browser destination for the instance's consent page.
func (client *Client) AuthorizeURL(domain string, appCredentials AppCredentials, state string) string {
	return client.oauthConfig(domain, appCredentials).AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a bearer token.
func (client *Client) ExchangeCode(ctx context.Context, domain string, appCredentials AppCredentials, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client.httpClient)
	token, err := client.oauthConfig(domain, appCredentials).Exchange(ctx, code)
	if err != nil {
		return "", social.NewNetworkError(opExchangeCode, err)
	}
	return token.AccessToken, nil
}

// VerifyCredentials resolves the bearer token's own account.
func (client *Client) VerifyCredentials(ctx context.Context, domain string, bearer string) (social.User, error) {
	responseBody, err := client.do(ctx, opVerifyCredentials, http.MethodGet, client.instanceURL(domain, verifyCredentialsPath), bearer, nil)
	if err != nil {
		return social.User{}, err
	}
	var account mastodonAccount
	if err := json.Unmarshal(responseBody, &account); err != nil {
		return social.User{}, social.NewNetworkError(opVerifyCredentials, err)
	}
	return account.toSocialUser(domain), nil
}

// GetUser fetches one account's public profile from its home instance.
func (client *Client) GetUser(ctx context.Context, domain string, accountID int64) (social.User, error) {
	if err := client.limiter.Wait(ctx); err != nil {
		return social.User{}, err
	}
	requestURL := client.instanceURL(domain, fmt.Sprintf(accountPathFormat, accountID))
	responseBody, err := client.do(ctx, opFetchAccount, http.MethodGet, requestURL, "", nil)
	if err != nil {
		return social.User{}, err
	}
	var account mastodonAccount
	if err := json.Unmarshal(responseBody, &account); err != nil {
		return social.User{}, social.NewNetworkError(opFetchAccount, err)
	}
	return account.toSocialUser(domain), nil
}

// RefreshProfile reloads a linked account's profile from its instance.
func (client *Client) RefreshProfile(ctx context.Context, account social.Account) (social.User, error) {
	return client.GetUser(ctx, account.Domain, account.ID)
}

func (client *Client) do(ctx context.Context, operation string, method string, requestURL string, bearer string, formValues url.Values) ([]byte, error) {
	var requestBody io.Reader
	if formValues != nil {
		requestBody = strings.NewReader(formValues.Encode())
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, requestURL, requestBody)
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	if formValues != nil {
		httpRequest.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if bearer != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		return nil, social.NewStatusError(operation, httpResponse.StatusCode)
	}
	return responseBody, nil
}

// flexInt64 accepts both the string ids modern instances emit and the
// bare numbers older ones do.
type flexInt64 int64

func (value *flexInt64) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	parsed, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("account id %q is not numeric: %w", string(data), err)
	}
	*value = flexInt64(parsed)
	return nil
}

type mastodonAccount struct {
	ID           flexInt64 `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	AvatarStatic string    `json:"avatar_static"`
	HeaderStatic string    `json:"header_static"`
	URL          string    `json:"url"`
}

// toSocialUser maps the wire shape onto the shared profile type. The home
// domain comes from the profile URL's host so that remote contacts keep
// their own instance, falling back to the instance the page was read from.
func (account mastodonAccount) toSocialUser(fallbackDomain string) social.User {
	domain := fallbackDomain
	if parsedURL, err := url.Parse(account.URL); err == nil && parsedURL.Host != "" {
		domain = parsedURL.Host
	}
	return social.User{
		ID:        int64(account.ID),
		Username:  account.Username,
		FullName:  account.DisplayName,
		AvatarURL: account.AvatarStatic,
		BannerURL: account.HeaderStatic,
		Domain:    domain,
	}
}
