package oauth1

import (
	"net/url"
	"testing"
)

// The callback URL carries reserved characters, so its bytes must appear
// encoded twice in the base string: once into the normalized parameter
// string and once more when that string is spliced into the base.
func TestSignatureBaseDoubleEncodesParameterValues(t *testing.T) {
	requestURL, err := url.Parse("https://api.example.com/oauth/request_token")
	if err != nil {
		t.Fatalf("parse request url: %v", err)
	}
	request := Request{
		Method:         "POST",
		URL:            requestURL,
		FormParameters: url.Values{"oauth_callback": []string{"http://127.0.0.1:8080/cb"}},
	}
	credentials := Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"}

	baseString := signatureBase(request, credentials, "n", "1")

	expectedBaseString := "POST&https%3A%2F%2Fapi.example.com%2Foauth%2Frequest_token&" +
		"oauth_callback%3Dhttp%253A%252F%252F127.0.0.1%253A8080%252Fcb" +
		"%26oauth_consumer_key%3Dck" +
		"%26oauth_nonce%3Dn" +
		"%26oauth_signature_method%3DHMAC-SHA1" +
		"%26oauth_timestamp%3D1" +
		"%26oauth_version%3D1.0"
	if baseString != expectedBaseString {
		t.Fatalf("base string mismatch\nexpected %s\nactual   %s", expectedBaseString, baseString)
	}
}
