// Package client creates and opens pastes against a kopy server. Content is
// encrypted server-side at creation; opening decrypts locally with the key
// carried in the locator fragment.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kopy/pkg/domain"
	"kopy/pkg/seal"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrNotFoundOrExpired = errors.New("paste not found or has expired")
	ErrExpired           = errors.New("paste has expired")
	ErrPasswordRequired  = errors.New("paste is password protected")
	ErrPasswordIncorrect = errors.New("incorrect password")
)

const (
	passwordHeader = "X-Paste-Password"
	maxResponse    = 8 << 20
)

// APIError is a non-2xx answer other than 404.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return "kopy: " + http.StatusText(e.Status) + ": " + e.Message
}

type Client struct {
	baseURL string
	post    *http.Client
	get     *http.Client
	now     func() time.Time
}

type Option func(*Client, *retryablehttp.Client)

// WithLogger routes retry diagnostics to log.
func WithLogger(log zerolog.Logger) Option {
	return func(_ *Client, rc *retryablehttp.Client) {
		rc.Logger = leveled{log}
	}
}

func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(_ *Client, rc *retryablehttp.Client) {
		rc.RetryMax = max
		rc.RetryWaitMin = waitMin
		rc.RetryWaitMax = waitMax
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client, _ *retryablehttp.Client) {
		c.now = now
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client, rc *retryablehttp.Client) {
		rc.HTTPClient = hc
		c.post = hc
	}
}

// New targets the API served at baseURL, e.g. https://kopy.example/api.
// Reads are retried on transport errors and 5xx; creations never are.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		post:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}
	rc.HTTPClient = c.post
	for _, opt := range opts {
		opt(c, rc)
	}
	c.get = rc.StandardClient()
	return c
}

type CreateRequest struct {
	Content           string `json:"content"`
	SenderName        string `json:"senderName,omitempty"`
	Password          string `json:"password,omitempty"`
	ExpirationMinutes int    `json:"expirationMinutes,omitempty"`
	ContentType       string `json:"contentType,omitempty"`
}

type CreateResponse struct {
	Success     bool      `json:"success"`
	URL         string    `json:"url"`
	ID          string    `json:"id"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ContentType string    `json:"contentType"`
	HasPassword bool      `json:"hasPassword"`
}

func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/paste", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	hr.Header.Set("Content-Type", "application/json")
	resp, err := c.post.Do(hr)
	if err != nil {
		return nil, errors.Wrap(err, "create paste")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var out CreateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return &out, nil
}

type record struct {
	ID          string    `json:"id"`
	Ciphertext  string    `json:"ciphertext"`
	SenderName  string    `json:"sender_name"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	State       string    `json:"state"`
}

// Opened is a decrypted paste.
type Opened struct {
	ID          string
	Content     string
	SenderName  string
	ContentType domain.ContentType
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Open fetches the paste named by locator and decrypts it with the
// fragment key. A wrong key yields seal.ErrDecryption.
func (c *Client) Open(ctx context.Context, locator, password string) (*Opened, error) {
	loc, err := domain.ParseLocator(locator)
	if err != nil {
		return nil, err
	}
	if !seal.ValidKey(loc.Key) {
		return nil, domain.ErrInvalidLocator
	}
	rec, err := c.fetch(ctx, loc.ID, password)
	if err != nil {
		return nil, err
	}
	if !c.now().Before(rec.ExpiresAt) {
		return nil, ErrExpired
	}
	switch domain.AccessState(rec.State) {
	case domain.AccessPasswordRequired:
		return nil, ErrPasswordRequired
	case domain.AccessPasswordIncorrect:
		return nil, ErrPasswordIncorrect
	case domain.AccessUnlocked:
	default:
		return nil, errors.Errorf("unexpected paste state %q", rec.State)
	}
	plain, err := seal.Decrypt(rec.Ciphertext, loc.Key)
	if err != nil {
		return nil, err
	}
	ct, err := domain.ParseContentType(rec.ContentType)
	if err != nil {
		ct = domain.ContentTypeText
	}
	return &Opened{
		ID:          rec.ID,
		Content:     plain,
		SenderName:  rec.SenderName,
		ContentType: ct,
		CreatedAt:   rec.CreatedAt,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (c *Client) fetch(ctx context.Context, id, password string) (*record, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/paste/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if password != "" {
		hr.Header.Set(passwordHeader, password)
	}
	resp, err := c.get.Do(hr)
	if err != nil {
		return nil, errors.Wrap(err, "fetch paste")
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFoundOrExpired
	default:
		return nil, apiError(resp)
	}
	var rec record
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decode paste")
	}
	return &rec, nil
}

func apiError(resp *http.Response) error {
	var body domain.ErrResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil || body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error}
}

type leveled struct {
	log zerolog.Logger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveled) Info(msg string, kv ...interface{})  { l.log.Info().Fields(kv).Msg(msg) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
