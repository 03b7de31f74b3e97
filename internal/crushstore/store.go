// Package crushstore keeps crush declarations in a remote document store
// and layers the relationship rules on top: one collection per provider
// kind, server-assigned timestamps, and a seven-day cooldown before a
// declared crush may be withdrawn.
package crushstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crush-match/crush/internal/social"
)

const (
	collectionsPathFormat = "/v1/collections/%s/documents"
	documentPathFormat    = "/v1/collections/%s/documents/%s"

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBytes   = 4 << 20

	opAddDocument    = "store add document"
	opQueryDocuments = "store query documents"
	opDeleteDocument = "store delete document"
)

// Document is one stored record. The store assigns both the id and the
// timestamp on insert; clients never set them.
type Document struct {
	ID        string            `json:"id"`
	Fields    map[string]string `json:"fields"`
	Timestamp time.Time         `json:"timestamp"`
}

// DocumentStore is the persistence port: inserts with server-assigned
// timestamps, equality-filtered queries, and deletes by document id.
type DocumentStore interface {
	Add(ctx context.Context, collection string, fields map[string]string) (Document, error)
	Query(ctx context.Context, collection string, filters map[string]string) ([]Document, error)
	Delete(ctx context.Context, collection string, documentID string) error
}

// HTTPStore talks to a REST document API.
type HTTPStore struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

var _ DocumentStore = (*HTTPStore)(nil)

// NewHTTPStore builds a store client for the given API base URL. The auth
// token is optional and sent as a bearer when present.
func NewHTTPStore(baseURL string, authToken string, httpClient *http.Client) *HTTPStore {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: httpClient,
	}
}

// Add inserts a record and returns it with the assigned id and timestamp.
func (store *HTTPStore) Add(ctx context.Context, collection string, fields map[string]string) (Document, error) {
	requestBody, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return Document{}, social.NewNetworkError(opAddDocument, err)
	}
	requestURL := store.baseURL + fmt.Sprintf(collectionsPathFormat, url.PathEscape(collection))
	responseBody, err := store.do(ctx, opAddDocument, http.MethodPost, requestURL, strings.NewReader(string(requestBody)))
	if err != nil {
		return Document{}, err
	}
	var document Document
	if err := json.Unmarshal(responseBody, &document); err != nil {
		return Document{}, social.NewNetworkError(opAddDocument, err)
	}
	return document, nil
}

// Query returns every record whose fields equal all the given filters.
func (store *HTTPStore) Query(ctx context.Context, collection string, filters map[string]string) ([]Document, error) {
	queryValues := url.Values{}
	for filterKey, filterValue := range filters {
		queryValues.Set(filterKey, filterValue)
	}
	requestURL := store.baseURL + fmt.Sprintf(collectionsPathFormat, url.PathEscape(collection))
	if encodedQuery := queryValues.Encode(); encodedQuery != "" {
		requestURL += "?" + encodedQuery
	}
	responseBody, err := store.do(ctx, opQueryDocuments, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}
	var documents []Document
	if err := json.Unmarshal(responseBody, &documents); err != nil {
		return nil, social.NewNetworkError(opQueryDocuments, err)
	}
	return documents, nil
}

// Delete removes one record by its document id.
func (store *HTTPStore) Delete(ctx context.Context, collection string, documentID string) error {
	requestURL := store.baseURL + fmt.Sprintf(documentPathFormat, url.PathEscape(collection), url.PathEscape(documentID))
	_, err := store.do(ctx, opDeleteDocument, http.MethodDelete, requestURL, nil)
	return err
}

func (store *HTTPStore) do(ctx context.Context, operation string, method string, requestURL string, requestBody io.Reader) ([]byte, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, method, requestURL, requestBody)
	if err != nil {
		return nil, social.NewNetworkError(operation, err)
	}
	if requestBody != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if store.authToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+store.authToken)
	}
	httpResponse, err := store.httpClient.Do(httpRequest)
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
