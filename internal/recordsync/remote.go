package recordsync

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
)

// RemoteError carries the application-level rejection detail from the
// remote record store. Matches ErrRemoteRejected via errors.Is.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote rejected: status=%d message=%s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteRejected
}

type RemoteRecord struct {
	RecordID string         `json:"recordId"`
	Fields   map[string]any `json:"fields"`
}

type RemotePage struct {
	Records    []RemoteRecord `json:"records"`
	NextCursor string         `json:"nextCursor"`
	TotalCount int            `json:"totalCount"`
}

// RemoteSource is the boundary to the authoritative record store. Every
// implementation call consumes one unit of the shared quota and carries the
// per-call timeout; errors map onto the engine taxonomy
// (ErrRemoteUnavailable, ErrQuotaExhausted, ErrRemoteRejected, ErrTimeout).
type RemoteSource interface {
	ListRecords(ctx context.Context, collectionID, cursor string, pageSize int) (RemotePage, error)
	GetRecord(ctx context.Context, collectionID, recordID string) (RemoteRecord, error)
	CreateRecord(ctx context.Context, collectionID string, fields map[string]any) (RemoteRecord, error)
	UpdateRecord(ctx context.Context, collectionID, recordID string, fields map[string]any) (RemoteRecord, error)
}

type HTTPRemoteSourceOptions struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Quota       *QuotaAccountant
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	CallTimeout time.Duration
	UserAgent   string
}

type HTTPRemoteSource struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	quota       *QuotaAccountant
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	callTimeout time.Duration
	userAgent   string
}

func NewHTTPRemoteSource(opts HTTPRemoteSourceOptions) *HTTPRemoteSource {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9090"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}
	return &HTTPRemoteSource{
		baseURL:     baseURL,
		token:       strings.TrimSpace(opts.Token),
		httpClient:  httpClient,
		quota:       opts.Quota,
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		callTimeout: callTimeout,
		userAgent:   strings.TrimSpace(opts.UserAgent),
	}
}

func (c *HTTPRemoteSource) ListRecords(ctx context.Context, collectionID, cursor string, pageSize int) (RemotePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(pageSize))
	}
	requestPath := fmt.Sprintf("/v1/collections/%s/records", url.PathEscape(collectionID))
	if encoded := q.Encode(); encoded != "" {
		requestPath += "?" + encoded
	}
	var out RemotePage
	err := c.doJSON(ctx, http.MethodGet, requestPath, nil, &out)
	return out, err
}

func (c *HTTPRemoteSource) GetRecord(ctx context.Context, collectionID, recordID string) (RemoteRecord, error) {
	var out RemoteRecord
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("/v1/collections/%s/records/%s", url.PathEscape(collectionID), url.PathEscape(recordID)),
		nil, &out)
	return out, err
}

func (c *HTTPRemoteSource) CreateRecord(ctx context.Context, collectionID string, fields map[string]any) (RemoteRecord, error) {
	var out RemoteRecord
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("/v1/collections/%s/records", url.PathEscape(collectionID)),
		map[string]any{"fields": fields}, &out)
	return out, err
}

func (c *HTTPRemoteSource) UpdateRecord(ctx context.Context, collectionID, recordID string, fields map[string]any) (RemoteRecord, error) {
	var out RemoteRecord
	err := c.doJSON(ctx, http.MethodPatch,
		fmt.Sprintf("/v1/collections/%s/records/%s", url.PathEscape(collectionID), url.PathEscape(recordID)),
		map[string]any{"fields": fields}, &out)
	return out, err
}

func (c *HTTPRemoteSource) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	if err := c.quota.Reserve(); err != nil {
		return err
	}
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := classifyContextError(ctx, err); ctxErr != nil {
				return ctxErr
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return classifyWaitError(ctx, waitErr)
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrRemoteUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return classifyWaitError(ctx, waitErr)
			}
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: remote throttled after %d attempts", ErrQuotaExhausted, attempt+1)
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, resp.StatusCode)
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = strings.TrimSpace(string(payloadBytes))
		}
		return &RemoteError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
		}
	}
}

func (c *HTTPRemoteSource) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func classifyContextError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return err
	default:
		return nil
	}
}

func classifyWaitError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	_ = ctx
	return err
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
