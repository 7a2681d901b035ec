// Package quotesource fetches raw provider quote documents.
package quotesource

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/errs"
	"github.com/spigell/eor-quoter/internal/retry"
)

const (
	contentType     = "application/json"
	contentEncoding = "gzip"
	userAgent       = "spigell/eor-quoter"
	// maxBody caps a quote document.
	maxBody = 8 << 20
)

// Source returns one provider's raw quote.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// File reads a quote from disk.
type File struct {
	Path string
}

func (f File) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read quote %q: %w", f.Path, err)
	}
	return validJSON(data)
}

// Static serves an in-memory document.
type Static []byte

func (s Static) Fetch(context.Context) ([]byte, error) {
	return validJSON(bytes.Clone(s))
}

// HTTP fetches a quote with a GET request.
type HTTP struct {
	URL        string
	token      string
	logger     *zap.Logger
	HTTPClient *http.Client
	UserAgent  string
	Policy     retry.Policy
}

// NewHTTP creates an HTTP source. An empty token sends no Authorization header.
func NewHTTP(url, token string, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		URL:   url,
		token: token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:    logger,
		UserAgent: userAgent,
		Policy:    retry.Policy{MaxAttempts: 3},
	}
}

// Fetch retries 5xx, 429 and transport errors within the context budget.
func (c *HTTP) Fetch(ctx context.Context) ([]byte, error) {
	return retry.Do(ctx, c.Policy, c.logger, "fetch quote", c.get)
}

func (c *HTTP) get(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return nil, err
	}
	req = c.setHeaders(req)

	c.logger.Debug("make request", zap.String("url", req.URL.String()))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader
	}

	data, err := io.ReadAll(io.LimitReader(reader, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", errs.ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: bad status: %s", errs.ErrTransient, resp.Status)
	default:
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	return validJSON(data)
}

func (c *HTTP) setHeaders(req *http.Request) *http.Request {
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Accept", contentType)
	req.Header.Set("Accept-Encoding", contentEncoding)

	return req
}

func validJSON(data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: quote is not valid JSON", errs.ErrSchemaValidationFailed)
	}
	return data, nil
}
