// Package twitterapi is the thin protocol client for the OAuth 1.0a
// provider: token handshakes, bulk profile hydration, and cursor-paginated
// follower/following edges.
package twitterapi

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crush-match/crush/internal/oauth1"
	"github.com/crush-match/crush/internal/social"
)

const (
	defaultBaseURL        = "https://api.twitter.com"
	requestTokenPath      = "/oauth/request_token"
	accessTokenPath       = "/oauth/access_token"
	authenticatePath      = "/oauth/authenticate"
	userLookupPath        = "/1.1/users/lookup.json"
	contactIDsPathFormat  = "/1.1/%s/ids.json"
	followersPathSegment  = "followers"
	followingPathSegment  = "friends"
	formKeyCallback       = "oauth_callback"
	formKeyToken          = "oauth_token"
	formKeyVerifier       = "oauth_verifier"
	formKeyUserIDs        = "user_id"
	queryKeyCursor        = "cursor"
	responseKeyToken      = "oauth_token"
	responseKeySecret     = "oauth_token_secret"
	responseKeyConfirmed  = "oauth_callback_confirmed"
	responseKeyUserID     = "user_id"
	responseKeyScreenName = "screen_name"
	contentTypeHeaderName = "Content-Type"
	contentTypeForm       = "application/x-www-form-urlencoded"

	// Bulk lookup accepts at most this many ids per call.
	lookupChunkSize = 100
	// Pagination starts at this cursor and stops when the provider returns zero.
	initialCursor = int64(-1)
	finalCursor   = int64(0)

	defaultHTTPTimeout        = 30 * time.Second
	defaultLookupConcurrency  = 4
	defaultRequestsPerSecond  = 4
	defaultRequestBurst       = 2
	maxResponseBodyBytes      = 4 * 1024 * 1024
	opRequestToken            = "twitter request token"
	opAccessToken             = "twitter access token"
	opLookupUsers             = "twitter user lookup"
	opContactIDs              = "twitter contact ids"
	logMessageNotConfirmed    = "request token callback not confirmed"
	logFieldCallbackConfirmed = "callback_confirmed"
)

// CredentialSource exposes the current account's permanent token pair for
// request signing. ok is false when no Twitter-like account is current.
type CredentialSource interface {
	TwitterCredentials() (token string, tokenSecret string, ok bool)
}

// Config assembles a Client.
type Config struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	CallbackURL       string
	HTTPClient        *http.Client
	Credentials       CredentialSource
	Signer            oauth1.Signer
	Logger            *zap.Logger
	LookupConcurrency int
	RequestsPerSecond float64
}

// TempCredentials is the request-token handshake result.
type TempCredentials struct {
	Token             string
	TokenSecret       string
	CallbackConfirmed bool
}

// AccessCredentials is the access-token exchange result.
type AccessCredentials struct {
	Token       string
	TokenSecret string
	UserID      int64
	ScreenName  string
}

// Client issues authenticated calls against the provider. Every request
// except the access-token exchange is signed through the OAuth1 signer with
// whatever token pair the credential source currently holds.
type Client struct {
	baseURL           *url.URL
	consumerKey       string
	consumerSecret    string
	callbackURL       string
	httpClient        *http.Client
	credentials       CredentialSource
	signer            oauth1.Signer
	logger            *zap.Logger
	lookupConcurrency int
	limiter           *rate.Limiter
}

// NewClient validates the configuration and builds a client with the
// provider defaults filled in.
func NewClient(configuration Config) (*Client, error) {
	baseURLString := configuration.BaseURL
	if strings.TrimSpace(baseURLString) == "" {
		baseURLString = defaultBaseURL
	}
	parsedBaseURL, err := url.Parse(baseURLString)
	if err != nil {
		return nil, err
	}

	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lookupConcurrency := configuration.LookupConcurrency
	if lookupConcurrency <= 0 {
		lookupConcurrency = defaultLookupConcurrency
	}
	requestsPerSecond := configuration.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPerSecond
	}

	return &Client{
		baseURL:           parsedBaseURL,
		consumerKey:       configuration.ConsumerKey,
		consumerSecret:    configuration.ConsumerSecret,
		callbackURL:       configuration.CallbackURL,
		httpClient:        httpClient,
		credentials:       configuration.Credentials,
		signer:            configuration.Signer,
		logger:            logger,
		lookupConcurrency: lookupConcurrency,
		limiter:           rate.NewLimiter(rate.Limit(requestsPerSecond), defaultRequestBurst),
	}, nil
}

// AuthorizeURL is the browser destination for the second handshake step.
func (client *Client) AuthorizeURL(tempToken string) string {
	authorizeValues := url.Values{formKeyToken: []string{tempToken}}
	return client.baseURL.ResolveReference(&url.URL{Path: authenticatePath, RawQuery: authorizeValues.Encode()}).String()
}

// RequestToken performs the first OAuth 1.0a step. An unconfirmed callback
// is logged as a warning but does not fail the flow.
func (client *Client) RequestToken(ctx context.Context) (TempCredentials, error) {
	formValues := url.Values{formKeyCallback: []string{client.callbackURL}}
	responseValues, err := client.postForm(ctx, opRequestToken, requestTokenPath, formValues)
	if err != nil {
		return TempCredentials{}, err
	}

	confirmed := responseValues.Get(responseKeyConfirmed) == "true"
	if !confirmed {
		client.logger.Warn(logMessageNotConfirmed, zap.String(logFieldCallbackConfirmed, responseValues.Get(responseKeyConfirmed)))
	}
	return TempCredentials{
		Token:             responseValues.Get(responseKeyToken),
		TokenSecret:       responseValues.Get(responseKeySecret),
		CallbackConfirmed: confirmed,
	}, nil
}

// AccessToken exchanges the verified temporary token for permanent
// credentials. This is the one call that goes out unsigned.
func (client *Client) AccessToken(ctx context.Context, tempToken string, verifier string) (AccessCredentials, error) {
	formValues := url.Values{
		formKeyToken:    []string{tempToken},
		formKeyVerifier: []string{verifier},
	}
	responseValues, err := client.postForm(ctx, opAccessToken, accessTokenPath, formValues)
	if err != nil {
		return AccessCredentials{}, err
	}

	userID, _ := strconv.ParseInt(responseValues.Get(responseKeyUserID), 10, 64)
	return AccessCredentials{
		Token:       responseValues.Get(responseKeyToken),
		TokenSecret: responseValues.Get(responseKeySecret),
		UserID:      userID,
		ScreenName:  responseValues.Get(responseKeyScreenName),
	}, nil
}

func (client *Client) postForm(ctx context.Context, operation string, path string, formValues url.Values) (url.Values, error) {
	responseBody, err := client.do(ctx, operation, http.MethodPost, path, nil, formValues)
	if err != nil {
		return nil, err
	}
	parsedValues, parseErr := url.ParseQuery(strings.TrimSpace(string(responseBody)))
	if parseErr != nil {
		return nil, social.NewNetworkError(operation, parseErr)
	}
	return parsedValues, nil
}

// do signs with whatever token pair the credential source currently holds.
func (client *Client) do(ctx context.Context, operation string, method string, path string, queryValues url.Values, formValues url.Values) ([]byte, error) {
	token, tokenSecret := "", ""
	if client.credentials != nil {
		if currentToken, currentSecret, hasCurrent := client.credentials.TwitterCredentials(); hasCurrent {
			token, tokenSecret = currentToken, currentSecret
		}
	}
	return client.doAs(ctx, operation, method, path, queryValues, formValues, token, tokenSecret)
}

// doAs builds, signs, and executes one provider call, returning the raw body.
func (client *Client) doAs(ctx context.Context, operation string, method string, path string, queryValues url.Values, formValues url.Values, token string, tokenSecret string) ([]byte, error) {
	requestURL := client.baseURL.ResolveReference(&url.URL{Path: path})
	if queryValues != nil {
		requestURL.RawQuery = queryValues.Encode()
	}

	var bodyReader io.Reader
	if formValues != nil {
		bodyReader = strings.NewReader(formValues.Encode())
	}
	httpRequest, err := http.NewRequestWithContext(ctx, method, requestURL.String(), bodyReader)
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	if formValues != nil {
		httpRequest.Header.Set(contentTypeHeaderName, contentTypeForm)
	}

	// The access-token exchange is the single unsigned call of the flow.
	if path != accessTokenPath {
		credentials := oauth1.Credentials{
			ConsumerKey:    client.consumerKey,
			ConsumerSecret: client.consumerSecret,
			Token:          token,
			TokenSecret:    tokenSecret,
		}
		authorizationHeader := client.signer.Authorization(oauth1.Request{
			Method:         method,
			URL:            httpRequest.URL,
			FormParameters: formValues,
		}, credentials)
		httpRequest.Header.Set("Authorization", authorizationHeader)
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	defer httpResponse.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBodyBytes))
	if readErr != nil {
		return nil, social.NewNetworkError(operation, readErr)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		return nil, social.NewStatusError(operation, httpResponse.StatusCode)
	}
	return responseBody, nil
}
