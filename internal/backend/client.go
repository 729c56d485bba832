package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/maauso/overlay-api/internal/library"
)

// Static errors for backend operations. Every failure returned by HTTPClient
// wraps exactly one of ErrUpload, ErrFrameExtraction, ErrCatalog or ErrSave.
var (
	// ErrBaseURLRequired is returned when the backend base URL is not provided.
	ErrBaseURLRequired = errors.New("backend: base URL is required")
	// ErrVideoRefRequired is returned when an operation needs a video reference.
	ErrVideoRefRequired = errors.New("backend: video reference is required")
	// ErrMalformedResponse is returned when a 2xx response lacks required fields.
	ErrMalformedResponse = errors.New("backend: malformed response")

	// ErrUpload classifies failures of UploadVideo.
	ErrUpload = errors.New("backend: upload failed")
	// ErrFrameExtraction classifies failures of ExtractFrame and FetchMedia.
	ErrFrameExtraction = errors.New("backend: frame extraction failed")
	// ErrCatalog classifies failures of ListLibrary.
	ErrCatalog = errors.New("backend: catalog request failed")
	// ErrSave classifies failures of ComposeVideo.
	ErrSave = errors.New("backend: save failed")

	// ErrServerError is returned when the server returns a 5xx status code.
	ErrServerError = errors.New("backend: server error")
	// ErrRateLimited is returned when the server returns a 429 status code.
	ErrRateLimited = errors.New("backend: rate limited")
	// ErrRequestFailed is returned for any other non-2xx status code.
	ErrRequestFailed = errors.New("backend: request failed")
)

// Client defines the operations the editor needs from the render backend.
type Client interface {
	// UploadVideo stores a video and returns its backend reference.
	UploadVideo(ctx context.Context, filename string, r io.Reader) (UploadResult, error)

	// ExtractFrame returns the encoded representative frame of a video.
	ExtractFrame(ctx context.Context, videoRef string) ([]byte, error)

	// FetchMedia downloads a stored media file, e.g. a previously extracted frame.
	FetchMedia(ctx context.Context, ref string) ([]byte, error)

	// ListLibrary returns the media catalog.
	ListLibrary(ctx context.Context) ([]library.MediaItem, error)

	// ComposeVideo burns text into a video at an image-space position.
	ComposeVideo(ctx context.Context, req ComposeRequest) (ComposeResult, error)
}

// HTTPClient is the HTTP implementation of Client.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(hc *HTTPClient) {
		hc.httpClient = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		if d > 0 {
			hc.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
// Only replayable GET requests are retried.
func WithMaxRetries(n int) ClientOption {
	return func(hc *HTTPClient) {
		if n >= 0 {
			hc.maxRetries = n
		}
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(hc *HTTPClient) {
		hc.baseBackoff = d
	}
}

// NewClient creates a backend client for the given base URL, e.g.
// "http://127.0.0.1:5000".
func NewClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("backend: invalid base URL: %w", err)
	}

	c := &HTTPClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		maxRetries:  2,
		baseBackoff: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// UploadVideo streams the video as multipart field "video".
func (c *HTTPClient) UploadVideo(ctx context.Context, filename string, r io.Reader) (UploadResult, error) {
	filename = path.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		filename = "video.mp4"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("video", filename)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.CloseWithError(mw.Close())
	}()

	headers := http.Header{}
	headers.Set("Content-Type", mw.FormDataContentType())

	body, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/api/upload_video", pr, headers)
	if err != nil {
		_ = pr.CloseWithError(err)
		return UploadResult{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UploadResult{}, fmt.Errorf("%w: unmarshal response: %w", ErrUpload, err)
	}
	if resp.VideoPath == "" {
		if resp.Error != "" {
			return UploadResult{}, fmt.Errorf("%w: %s", ErrUpload, resp.Error)
		}
		return UploadResult{}, fmt.Errorf("%w: %w: no video_path", ErrUpload, ErrMalformedResponse)
	}

	return UploadResult{VideoRef: resp.VideoPath, Message: resp.Message}, nil
}

// ExtractFrame asks the backend for the first frame of videoRef.
func (c *HTTPClient) ExtractFrame(ctx context.Context, videoRef string) ([]byte, error) {
	if strings.TrimSpace(videoRef) == "" {
		return nil, fmt.Errorf("%w: %w", ErrFrameExtraction, ErrVideoRefRequired)
	}

	u := c.baseURL + "/api/load_frame?" + url.Values{"video_path": {videoRef}}.Encode()
	body, err := c.doRequestWithRetry(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameExtraction, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %w: empty frame", ErrFrameExtraction, ErrMalformedResponse)
	}
	return body, nil
}

// FetchMedia downloads a file the backend serves statically.
func (c *HTTPClient) FetchMedia(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimLeft(strings.TrimSpace(ref), "/")
	if ref == "" {
		return nil, fmt.Errorf("%w: %w", ErrFrameExtraction, ErrVideoRefRequired)
	}

	segments := strings.Split(ref, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	body, err := c.doRequestWithRetry(ctx, c.baseURL+"/"+strings.Join(segments, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameExtraction, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: %w: empty media", ErrFrameExtraction, ErrMalformedResponse)
	}
	return body, nil
}

// ListLibrary returns every valid catalog entry. Rows with an unknown file
// type or missing fields are skipped.
func (c *HTTPClient) ListLibrary(ctx context.Context) ([]library.MediaItem, error) {
	body, err := c.doRequestWithRetry(ctx, c.baseURL+"/api/library")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalog, err)
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", ErrCatalog, ErrMalformedResponse, err)
	}

	items := make([]library.MediaItem, 0, len(rows))
	for _, row := range rows {
		var e libraryEntry
		if err := json.Unmarshal(row, &e); err != nil {
			continue
		}
		if item, ok := e.toMediaItem(); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// ComposeVideo submits the overlay for rendering. The returned OutputRef
// falls back to the requested one when the backend does not echo a path.
func (c *HTTPClient) ComposeVideo(ctx context.Context, req ComposeRequest) (ComposeResult, error) {
	if strings.TrimSpace(req.VideoRef) == "" {
		return ComposeResult{}, fmt.Errorf("%w: %w", ErrSave, ErrVideoRefRequired)
	}

	payload, err := json.Marshal(saveRequest{
		VideoPath:    req.VideoRef,
		Text:         req.Text,
		TextPosition: toTextPosition(req.Position),
		OutputPath:   req.OutputRef,
	})
	if err != nil {
		return ComposeResult{}, fmt.Errorf("%w: marshal request: %w", ErrSave, err)
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	body, err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/api/save_video", bytes.NewReader(payload), headers)
	if err != nil {
		return ComposeResult{}, fmt.Errorf("%w: %w", ErrSave, err)
	}

	var resp saveResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ComposeResult{}, fmt.Errorf("%w: %w: %w", ErrSave, ErrMalformedResponse, err)
	}
	if resp.Error != "" {
		return ComposeResult{}, fmt.Errorf("%w: %s", ErrSave, resp.Error)
	}

	out := resp.VideoPath
	if out == "" {
		out = req.OutputRef
	}
	return ComposeResult{OutputRef: out, Message: resp.Message}, nil
}

// doRequestWithRetry performs a GET with exponential backoff retry.
func (c *HTTPClient) doRequestWithRetry(ctx context.Context, u string) ([]byte, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("backend: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		body, err := c.doRequest(ctx, http.MethodGet, u, nil, nil)
		if err == nil {
			return body, nil
		}

		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("backend: max retries exceeded: %w", lastErr)
}

// doRequest performs a single HTTP request and returns the response body.
func (c *HTTPClient) doRequest(ctx context.Context, method, u string, body io.Reader, headers http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("backend: create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("backend: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("backend: read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := newStatusError(resp.StatusCode, respBody)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &retryableError{err: statusErr}
		}
		return nil, statusErr
	}

	return respBody, nil
}

// maxErrorMessage bounds the backend error text kept in a StatusError.
const maxErrorMessage = 512

// StatusError is returned when the backend answers with a non-2xx status.
// Message carries the backend's {"error": ...} text when present.
type StatusError struct {
	StatusCode int
	Message    string
}

func newStatusError(code int, body []byte) *StatusError {
	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		msg = er.Error
	}
	if len(msg) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return &StatusError{StatusCode: code, Message: msg}
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v: status %d", e.Unwrap(), e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s", e.Unwrap(), e.StatusCode, e.Message)
}

// Unwrap maps the status code onto ErrServerError, ErrRateLimited or ErrRequestFailed.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode >= 500:
		return ErrServerError
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrRequestFailed
	}
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Message returns the most user-presentable text for a backend error:
// the backend's own error message if there is one, else err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	var se *StatusError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
