package fhir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

var ErrPreconditionFailed = errors.New("resource version conflict")

// HTTPError is a non-2xx answer from the repository
type HTTPError struct {
	StatusCode int
	Method     string
	Path       string
	Diagnostic string
}

func (e *HTTPError) Error() string {
	if e.Diagnostic != "" {
		return fmt.Sprintf("fhir %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Diagnostic)
	}
	return fmt.Sprintf("fhir %s %s: http %d", e.Method, e.Path, e.StatusCode)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrPreconditionFailed && e.StatusCode == http.StatusPreconditionFailed
}

// Client is the REST client for the repository's search and update interactions
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// BaseURL returns the configured server base
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Search runs a type-level search and returns the searchset bundle
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*Bundle, error) {
	path := "/" + url.PathEscape(resourceType)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	return DecodeBundle(body)
}

// Update writes the resource back (PUT <type>/<id>) and returns the server's version
func (c *Client) Update(ctx context.Context, r *Resource) (*Resource, error) {
	if r.ID() == "" {
		return nil, fmt.Errorf("update %s: resource has no id", r.ResourceType())
	}
	payload, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Content-Type": MimeFHIRJSON}
	if v := r.VersionID(); v != "" {
		headers["If-Match"] = `W/"` + v + `"`
	}
	body, err := c.do(ctx, http.MethodPut, "/"+url.PathEscape(r.ResourceType())+"/"+url.PathEscape(r.ID()), headers, payload)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return r, nil
	}
	return JSONDecoder{}.Decode(body)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, payload []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", MimeFHIRJSON)
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return data, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Diagnostic: operationOutcomeDiagnostic(data),
		}
	}
}

func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		if d > c.maxDelay {
			return c.maxDelay
		}
		return d
	}
	d := c.baseDelay << (attempt - 1)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// operationOutcomeDiagnostic extracts the first issue's diagnostics, if the body is an OperationOutcome
func operationOutcomeDiagnostic(data []byte) string {
	var oo struct {
		ResourceType string `json:"resourceType"`
		Issue        []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if err := sonic.Unmarshal(data, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	for _, issue := range oo.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
	}
	return ""
}
