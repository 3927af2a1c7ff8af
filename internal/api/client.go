// Package api implements the HTTP side of the board protocol: post fetches,
// single-shot submissions, anti-abuse tokens and attachment uploads.
package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/protocol"
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBody    = 4 << 10
	contentTypeJSON = "application/json"
)

// Options configures a Client.
type Options struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client talks to the board HTTP API. It is safe for concurrent use.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
}

// Token is the anti-abuse token issued ahead of a single-shot submission.
type Token struct {
	ID   string `json:"id"`
	Salt string `json:"salt"`
}

// File is an attachment carried by a submission or an upload.
type File struct {
	Name    string
	Data    []byte
	Spoiler bool
}

// Submission is a complete post sent in one request.
// A zero Thread creates a new thread on Board.
type Submission struct {
	Board    string
	Thread   uint64
	Name     string
	Subject  string
	Body     string
	Password string
	Captcha  string
	Token    Token
	File     *File
}

// SubmitResult identifies the created post.
type SubmitResult struct {
	ID     uint64 `json:"id"`
	Thread uint64 `json:"thread"`
}

type uploadResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		userAgent: strings.TrimSpace(opts.UserAgent),
		http:      httpClient,
		limiter:   rate.NewLimiter(limit, burst),
	}
}

// Sign computes the submission signature for a token salt and post body.
func Sign(salt, body string) string {
	sum := sha256.Sum256([]byte(salt + body))
	return hex.EncodeToString(sum[:])
}

// FetchPost retrieves a single post by id.
func (c *Client) FetchPost(ctx context.Context, id uint64) (protocol.Post, error) {
	const op = "api/fetch_post"
	var post protocol.Post
	req, err := c.newRequest(ctx, op, http.MethodGet, "/api/post/"+strconv.FormatUint(id, 10), nil, "")
	if err != nil {
		return post, err
	}
	if err := c.do(req, op, &post); err != nil {
		return post, err
	}
	if post.ID != id {
		return post, errs.New(op, errs.CodeProtocol, errs.WithMessage(fmt.Sprintf("requested post %d, got %d", id, post.ID)))
	}
	return post, nil
}

// FetchToken retrieves a fresh anti-abuse token.
func (c *Client) FetchToken(ctx context.Context) (Token, error) {
	const op = "api/fetch_token"
	var token Token
	req, err := c.newRequest(ctx, op, http.MethodGet, "/api/post/token", nil, "")
	if err != nil {
		return token, err
	}
	if err := c.do(req, op, &token); err != nil {
		return token, err
	}
	if token.ID == "" {
		return token, errs.New(op, errs.CodeProtocol, errs.WithMessage("empty token"))
	}
	return token, nil
}

// Submit sends a complete post as a multipart form. Replies go to /api/post,
// new threads to /api/thread.
func (c *Client) Submit(ctx context.Context, sub Submission) (SubmitResult, error) {
	const op = "api/submit"
	var result SubmitResult
	if strings.TrimSpace(sub.Board) == "" {
		return result, errs.New(op, errs.CodeInvalid, errs.WithMessage("board required"))
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"board", sub.Board},
		{"name", sub.Name},
		{"body", sub.Body},
		{"password", sub.Password},
		{"captcha", sub.Captcha},
		{"token", sub.Token.ID},
		{"signature", Sign(sub.Token.Salt, sub.Body)},
	}
	path := "/api/thread"
	if sub.Thread != 0 {
		path = "/api/post"
		fields = append(fields, [2]string{"thread", strconv.FormatUint(sub.Thread, 10)})
	} else {
		fields = append(fields, [2]string{"subject", sub.Subject})
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := form.WriteField(field[0], field[1]); err != nil {
			return result, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
	}
	if sub.File != nil {
		if err := writeFile(form, sub.File); err != nil {
			return result, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
	}
	if err := form.Close(); err != nil {
		return result, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	req, err := c.newRequest(ctx, op, http.MethodPost, path, &buf, form.FormDataContentType())
	if err != nil {
		return result, err
	}
	if err := c.do(req, op, &result); err != nil {
		return result, err
	}
	return result, nil
}

// Upload sends an attachment ahead of linking it to a live post and returns
// the server token that identifies the stored file.
func (c *Client) Upload(ctx context.Context, file File) (string, error) {
	const op = "api/upload"
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := writeFile(form, &file); err != nil {
		return "", errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	if err := form.Close(); err != nil {
		return "", errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}

	req, err := c.newRequest(ctx, op, http.MethodPost, "/api/upload", &buf, form.FormDataContentType())
	if err != nil {
		return "", err
	}
	var resp uploadResponse
	if err := c.do(req, op, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errs.New(op, errs.CodeProtocol, errs.WithMessage("empty upload token"))
	}
	return resp.Token, nil
}

func writeFile(form *multipart.Writer, file *File) error {
	if file.Spoiler {
		if err := form.WriteField("spoiler", "true"); err != nil {
			return fmt.Errorf("write spoiler field: %w", err)
		}
	}
	part, err := form.CreateFormFile("image", file.Name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return fmt.Errorf("write file part: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errs.New(op, errs.CodeTimeout, errs.WithCause(err))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return errs.New(op, errs.CodeTimeout, errs.WithCause(ctxErr))
		}
		return errs.New(op, errs.CodeRequest, errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.New(op, errs.CodeProtocol, errs.WithCause(err), errs.WithMessage("decode response"))
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body := strings.TrimSpace(string(raw))

	var payload errorResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &payload)
	}
	opts := []errs.Option{errs.WithHTTP(resp.StatusCode), errs.WithRawMessage(body)}
	if payload.Message != "" {
		opts = append(opts, errs.WithMessage(payload.Message))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(op, errs.CodeNotFound, opts...)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return errs.New(op, errs.CodeValidation, append(opts, errs.WithReason(errs.ReasonFileTooLarge))...)
	case errs.Reason(payload.Reason) == errs.ReasonCaptchaRequired:
		return errs.New(op, errs.CodeValidation, append(opts, errs.WithReason(errs.ReasonCaptchaRequired))...)
	case errs.Reason(payload.Reason) == errs.ReasonFileTooLarge:
		return errs.New(op, errs.CodeValidation, append(opts, errs.WithReason(errs.ReasonFileTooLarge))...)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden:
		return errs.New(op, errs.CodeValidation, opts...)
	default:
		return errs.New(op, errs.CodeRequest, opts...)
	}
}
