package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ConsistencyChecker verifies that all clients eventually see the same
// content as the server.
type ConsistencyChecker struct {
	ServerURL string
	Document  string
	HTTP      *http.Client

	mu        sync.Mutex
	snapshots map[string]string // client -> text snapshot
}

// ConsistencyResult is the outcome of one check.
type ConsistencyResult struct {
	Consistent bool
	ServerText string
	Divergent  []string
}

// NewConsistencyChecker creates a checker for one document.
func NewConsistencyChecker(serverURL, document string) *ConsistencyChecker {
	return &ConsistencyChecker{
		ServerURL: serverURL,
		Document:  document,
		HTTP:      http.DefaultClient,
		snapshots: make(map[string]string),
	}
}

// UpdateSnapshot records a client's current text.
func (cc *ConsistencyChecker) UpdateSnapshot(clientID, text string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.snapshots[clientID] = text
}

// CheckConsistency compares every snapshot against the server's text.
func (cc *ConsistencyChecker) CheckConsistency(ctx context.Context) (ConsistencyResult, error) {
	serverText, err := FetchText(ctx, cc.HTTP, cc.ServerURL, cc.Document)
	if err != nil {
		return ConsistencyResult{}, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	result := ConsistencyResult{Consistent: true, ServerText: serverText}
	for clientID, clientText := range cc.snapshots {
		if clientText != serverText {
			result.Consistent = false
			result.Divergent = append(result.Divergent, clientID)
		}
	}
	sort.Strings(result.Divergent)
	return result, nil
}

// FetchText reads a document's text through the HTTP API.
func FetchText(ctx context.Context, hc *http.Client, serverURL, document string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(serverURL, "/api/documents/"+url.PathEscape(document)+"/text"), nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", document, resp.Status)
	}

	var result map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result["text"], nil
}

// CreateDocument creates a document through the HTTP API. An existing
// document is not an error.
func CreateDocument(ctx context.Context, serverURL, document string) error {
	body, err := json.Marshal(map[string]string{"id": document})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL(serverURL, "/api/documents"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("create %s: %s", document, resp.Status)
	}
	return nil
}

func apiURL(serverURL, path string) string {
	base := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base + path
}
