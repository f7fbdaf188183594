package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"usageledger/internal/ingest"
	"usageledger/internal/session"
)

const (
	defaultUserAgent   = "usageledger/1.0"
	defaultMaxBodySize = 25 * 1024 * 1024 // 25MB
)

// credential is the decrypted session payload shape. A payload that is not
// JSON is treated as a bare Cookie header value.
type credential struct {
	Cookie        string `json:"cookie"`
	Authorization string `json:"authorization"`
	UserAgent     string `json:"user_agent"`
}

// Client fetches the upstream usage export with the stored session
// credential. It implements the ingest.Fetcher contract; the browser-driven
// login flow that produces the credential lives outside this process.
type Client struct {
	httpClient  *http.Client
	sessions    *session.Store
	timeout     time.Duration
	maxBodySize int64
}

// NewClient creates an authenticated fetch client with tuned connection
// pooling and a bounded per-fetch timeout
func NewClient(sessions *session.Store, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		sessions:    sessions,
		timeout:     timeout,
		maxBodySize: defaultMaxBodySize,
	}
}

// Fetch downloads the export at targetURL using the stored credential.
// Errors come back classified: missing/rejected credential → AuthExpired,
// timeout/network/upstream 5xx → Transient, anything else → Unexpected.
// The timeout bounds the whole fetch, so a complete hashed payload either
// exists or nothing downstream runs.
func (c *Client) Fetch(ctx context.Context, targetURL string) (*ingest.FetchResult, error) {
	payload, err := c.sessions.Read()
	if err != nil {
		return nil, ingest.NewError(ingest.CategoryAuthExpired, err, "session credential unreadable, re-login required")
	}
	if payload == nil {
		return nil, ingest.NewError(ingest.CategoryAuthExpired, nil, "no session stored, login required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, ingest.NewError(ingest.CategoryUnexpected, err, "failed to build request for %s", targetURL)
	}
	applyCredential(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ingest.Classify(err, ingest.CategoryTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ingest.ClassifyHTTPStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, ingest.Classify(err, ingest.CategoryTransient)
	}
	if int64(len(body)) > c.maxBodySize {
		return nil, ingest.NewError(ingest.CategoryUnexpected, nil,
			"export exceeds %d byte limit", c.maxBodySize)
	}

	return &ingest.FetchResult{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// applyCredential attaches the session credential to the request
func applyCredential(req *http.Request, payload []byte) {
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json,text/html;q=0.9,*/*;q=0.8")

	var cred credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		// Legacy plain-string credential: the whole payload is the cookie
		req.Header.Set("Cookie", string(payload))
		return
	}

	if cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}
	if cred.Authorization != "" {
		req.Header.Set("Authorization", cred.Authorization)
	}
	if cred.UserAgent != "" {
		req.Header.Set("User-Agent", cred.UserAgent)
	}
}
