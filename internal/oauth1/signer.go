// Package oauth1 builds OAuth 1.0a Authorization headers with HMAC-SHA1
// signatures, as required by the legacy Twitter-style provider flow.
package oauth1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	parameterCallback        = "oauth_callback"
	parameterConsumerKey     = "oauth_consumer_key"
	parameterNonce           = "oauth_nonce"
	parameterSignature       = "oauth_signature"
	parameterSignatureMethod = "oauth_signature_method"
	parameterTimestamp       = "oauth_timestamp"
	parameterToken           = "oauth_token"
	parameterVersion         = "oauth_version"

	signatureMethodValue = "HMAC-SHA1"
	versionValue         = "1.0"
	headerScheme         = "OAuth "
)

// Credentials carries the consumer pair and the optional per-account token
// pair used for signing.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Request describes the outgoing call to sign. FormParameters holds the POST
// form body fields, nil for requests without one.
type Request struct {
	Method         string
	URL            *url.URL
	FormParameters url.Values
}

// Signer produces Authorization header values. NonceSource and Clock are
// injectable so a header can be re-derived byte-identically in tests; the
// zero value uses a random nonce and the wall clock.
type Signer struct {
	NonceSource func() string
	Clock       func() time.Time
}

// Authorization builds the OAuth 1.0a header value for the request.
func (signer Signer) Authorization(request Request, credentials Credentials) string {
	nonce := signer.nonce()
	timestamp := fmt.Sprintf("%d", signer.now().Unix())

	// The callback rides along in the header only when the request body
	// declared one, mirroring the provider's request-token step.
	callback := ""
	if request.FormParameters != nil {
		callback = request.FormParameters.Get(parameterCallback)
	}

	baseString := signatureBase(request, credentials, nonce, timestamp)
	signature := sign(credentials, baseString)

	headerParameters := make([][2]string, 0, 8)
	if callback != "" {
		headerParameters = append(headerParameters, [2]string{parameterCallback, callback})
	}
	headerParameters = append(headerParameters,
		[2]string{parameterConsumerKey, credentials.ConsumerKey},
		[2]string{parameterNonce, nonce},
		[2]string{parameterSignature, signature},
		[2]string{parameterSignatureMethod, signatureMethodValue},
		[2]string{parameterTimestamp, timestamp},
	)
	if credentials.Token != "" {
		headerParameters = append(headerParameters, [2]string{parameterToken, credentials.Token})
	}
	headerParameters = append(headerParameters, [2]string{parameterVersion, versionValue})

	renderedPairs := make([]string, 0, len(headerParameters))
	for _, parameterPair := range headerParameters {
		renderedPairs = append(renderedPairs, fmt.Sprintf("%s=%q", parameterPair[0], percentEncode(parameterPair[1])))
	}
	return headerScheme + strings.Join(renderedPairs, ", ")
}

// signatureBase assembles METHOD&enc(baseURL)&enc(normalized parameters).
// The parameter sort runs on the raw keys before percent-encoding, and each
// key and value is encoded once into the normalized string and again when
// the normalized string is spliced into the base, matching the provider's
// reference behavior.
func signatureBase(request Request, credentials Credentials, nonce string, timestamp string) string {
	parameters := map[string]string{}
	for queryKey, queryValues := range request.URL.Query() {
		if len(queryValues) > 0 {
			parameters[queryKey] = queryValues[0]
		}
	}
	for formKey, formValues := range request.FormParameters {
		if len(formValues) > 0 {
			parameters[formKey] = formValues[0]
		}
	}
	parameters[parameterConsumerKey] = credentials.ConsumerKey
	parameters[parameterNonce] = nonce
	parameters[parameterTimestamp] = timestamp
	parameters[parameterSignatureMethod] = signatureMethodValue
	parameters[parameterVersion] = versionValue
	if credentials.Token != "" {
		parameters[parameterToken] = credentials.Token
	}

	sortedKeys := make([]string, 0, len(parameters))
	for parameterKey := range parameters {
		sortedKeys = append(sortedKeys, parameterKey)
	}
	sort.Strings(sortedKeys)

	encodedPairs := make([]string, 0, len(sortedKeys))
	for _, parameterKey := range sortedKeys {
		encodedPairs = append(encodedPairs, percentEncode(parameterKey)+"="+percentEncode(parameters[parameterKey]))
	}
	normalizedParameters := strings.Join(encodedPairs, "&")

	baseURL := request.URL.Scheme + "://" + request.URL.Host + request.URL.Path
	return strings.ToUpper(request.Method) + "&" + percentEncode(baseURL) + "&" + percentEncode(normalizedParameters)
}

func sign(credentials Credentials, baseString string) string {
	signingKey := percentEncode(credentials.ConsumerSecret) + "&" + percentEncode(credentials.TokenSecret)
	mac := hmac.New(sha1.New, []byte(signingKey))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (signer Signer) nonce() string {
	if signer.NonceSource != nil {
		return signer.NonceSource()
	}
	return DefaultNonce()
}

func (signer Signer) now() time.Time {
	if signer.Clock != nil {
		return signer.Clock()
	}
	return time.Now()
}

// DefaultNonce concatenates the high-resolution clock with a random value so
// every request carries a unique nonce without global state.
func DefaultNonce() string {
	var randomBytes [8]byte
	_, _ = rand.Read(randomBytes[:])
	randomValue := binary.BigEndian.Uint64(randomBytes[:])
	return fmt.Sprintf("%d%d", time.Now().UnixNano(), randomValue)
}

// percentEncode applies RFC 3986 unreserved-character encoding, the strict
// variant OAuth 1.0a requires (space as %20, uppercase hex).
func percentEncode(value string) string {
	var builder strings.Builder
	for byteIndex := 0; byteIndex < len(value); byteIndex++ {
		character := value[byteIndex]
		switch {
		case character >= 'A' && character <= 'Z',
			character >= 'a' && character <= 'z',
			character >= '0' && character <= '9',
			character == '-', character == '.', character == '_', character == '~':
			builder.WriteByte(character)
		default:
			builder.WriteString(fmt.Sprintf("%%%02X", character))
		}
	}
	return builder.String()
}
