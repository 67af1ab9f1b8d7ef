// Package fetcher downloads result pages and reduces them to readable text.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-insights/pkg/retry"
)

const (
	DefaultTimeout       = 10 * time.Second
	MaxTimeout           = 30 * time.Second
	DefaultMaxBodyBytes  = 5 << 20
	DefaultMinTextLength = 100
)

// Skip reasons recorded on pages that were fetched but yielded nothing usable.
const (
	ReasonStatus      = "non_200_status"
	ReasonContentType = "unsupported_content_type"
	ReasonTooShort    = "text_too_short"
)

// Config controls fetch limits.
type Config struct {
	Timeout       time.Duration
	MaxBodyBytes  int64
	MinTextLength int
	UserAgent     string
}

// Result is the outcome of one fetch. When Skipped is set the page was
// reachable but not usable, and Reason says why.
type Result struct {
	URL         string
	Title       string
	Text        string
	StatusCode  int
	ContentType string
	Duration    time.Duration
	Skipped     bool
	Reason      string
}

// Fetcher retrieves pages over HTTP.
type Fetcher struct {
	client *http.Client
	cfg    Config
	policy *bluemonday.Policy
	logger *zap.Logger
}

// New creates a Fetcher. Zero config fields take defaults; timeouts above
// MaxTimeout are clamped.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Timeout > MaxTimeout {
		cfg.Timeout = MaxTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultMinTextLength
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ekaya-insights/1.0"
	}
	return &Fetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		policy: bluemonday.StrictPolicy(),
		logger: logger.Named("fetcher"),
	}
}

// Fetch downloads url and extracts its main text. Transport failures and
// timeouts are returned as retryable errors; a page that loads but has the
// wrong status, type or too little text is a skipped Result, not an error.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	start := time.Now()
	res := &Result{URL: url}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to build request for %s: %w", url, err))
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, retry.Transient(fmt.Errorf("failed to fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode != http.StatusOK {
		res.Duration = time.Since(start)
		return skip(res, ReasonStatus), nil
	}

	mediaType := mediaTypeOf(res.ContentType)
	if !isTextual(mediaType) {
		res.Duration = time.Since(start)
		return skip(res, ReasonContentType), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read body of %s: %w", url, err))
	}

	if mediaType == "text/plain" {
		res.Text = normalizeSpace(string(body))
	} else {
		title, text, err := ExtractMainText(body)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to parse %s: %w", url, err))
		}
		res.Title = title
		res.Text = normalizeSpace(html.UnescapeString(f.policy.Sanitize(text)))
	}
	res.Duration = time.Since(start)

	if n := utf8.RuneCountInString(res.Text); n < f.cfg.MinTextLength {
		f.logger.Debug("Page text below minimum length",
			zap.String("url", url),
			zap.Int("length", n))
		return skip(res, ReasonTooShort), nil
	}
	return res, nil
}

func skip(res *Result, reason string) *Result {
	res.Skipped = true
	res.Reason = reason
	res.Text = ""
	return res
}

func mediaTypeOf(contentType string) string {
	if contentType == "" {
		return "text/html"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

func isTextual(mediaType string) bool {
	switch mediaType {
	case "text/html", "application/xhtml+xml", "text/plain":
		return true
	}
	return false
}

func normalizeSpace(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
