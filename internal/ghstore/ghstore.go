// Package ghstore persists the blocklist document through the GitHub
// contents API. The document is a JSON array of IP strings committed to a
// repository file; writes carry the SHA of the revision they were based on,
// so a concurrent admin operation surfaces as ErrConflict instead of a
// silent lost update.
package ghstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gateguard/gateguard/internal/config"
)

// ErrConflict is returned when the document changed upstream between a read
// and the write based on it. The caller should re-read and retry.
var ErrConflict = errors.New("blocklist document changed upstream")

// ErrAuth is returned when GitHub rejects the configured token.
var ErrAuth = errors.New("github authentication failed")

const (
	defaultTimeout  = 15 * time.Second
	maxDocumentSize = 1 << 20
	userAgent       = "gateguard/1.0"
)

// Document is one revision of the stored blocklist.
type Document struct {
	IPs []string
	// SHA identifies the blob this revision was read from. Empty when the
	// file does not exist yet; a Write then creates it.
	SHA string
}

// Store reads and writes the blocklist file via the GitHub contents API.
type Store struct {
	url    string
	branch string
	token  string
	client *http.Client
	logger *slog.Logger
}

// New creates a store from the configured repository coordinates. Returns
// nil when the store is disabled; a nil store rejects every operation.
func New(cfg config.StoreConfig, logger *slog.Logger) *Store {
	if !cfg.Enabled {
		return nil
	}

	timeout := defaultTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Store{
		url: fmt.Sprintf("https://api.github.com/repos/%s/%s/contents/%s",
			url.PathEscape(cfg.Owner), url.PathEscape(cfg.Repo), cfg.FilePath),
		branch: cfg.Branch,
		token:  string(cfg.Token),
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "ghstore"),
	}
}

// Enabled reports whether the store is configured.
func (s *Store) Enabled() bool {
	return s != nil
}

type contentsResponse struct {
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

type updateRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type commitResponse struct {
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
}

// Read fetches the current blocklist document. A missing file yields an
// empty document whose Write will create it.
func (s *Store) Read(ctx context.Context) (*Document, error) {
	if s == nil {
		return nil, errors.New("blocklist store is not configured")
	}

	req, err := s.newRequest(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if s.branch != "" {
		q := req.URL.Query()
		q.Set("ref", s.branch)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reading blocklist document: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		s.logger.Warn("blocklist document not found, treating as empty")
		return &Document{}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrAuth
	default:
		return nil, fmt.Errorf("reading blocklist document: unexpected status %d", resp.StatusCode)
	}

	var body contentsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&body); err != nil {
		return nil, fmt.Errorf("parsing contents response: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(stripNewlines(body.Content))
	if err != nil {
		return nil, fmt.Errorf("decoding document content: %w", err)
	}

	var ips []string
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &ips); err != nil {
			return nil, fmt.Errorf("parsing blocklist document: %w", err)
		}
	}

	return &Document{IPs: ips, SHA: body.SHA}, nil
}

// Write commits a new revision of the blocklist document. The document's
// SHA must match the upstream revision; a mismatch returns ErrConflict.
func (s *Store) Write(ctx context.Context, doc *Document, message string) error {
	if s == nil {
		return errors.New("blocklist store is not configured")
	}

	ips := doc.IPs
	if ips == nil {
		ips = []string{}
	}
	raw, err := json.MarshalIndent(ips, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding blocklist document: %w", err)
	}

	if message == "" {
		message = "Update blocklist " + time.Now().UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(updateRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(raw),
		SHA:     doc.SHA,
		Branch:  s.branch,
	})
	if err != nil {
		return fmt.Errorf("encoding update request: %w", err)
	}

	req, err := s.newRequest(ctx, http.MethodPut, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("writing blocklist document: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict, http.StatusUnprocessableEntity:
		// 422 covers a stale SHA on some GitHub responses as well
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	default:
		return fmt.Errorf("writing blocklist document: unexpected status %d", resp.StatusCode)
	}

	var body commitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&body); err == nil {
		doc.SHA = body.Content.SHA
		s.logger.Info("blocklist document committed",
			"commit", body.Commit.SHA, "entries", len(ips))
	}
	return nil
}

func (s *Store) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.url, body)
	if err != nil {
		return nil, fmt.Errorf("building github request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "token "+s.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// stripNewlines removes the line breaks GitHub inserts into base64 content.
func stripNewlines(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
