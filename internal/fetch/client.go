package fetch

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultUserAgents is rotated once per run. Rotating per request gives a
// spiky signature, so the choice is fixed at client construction.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:142.0) Gecko/20100101 Firefox/142.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// ClientConfig controls the HTTP client shared by one run.
type ClientConfig struct {
	Timeout    time.Duration
	UserAgents []string
}

// Client issues catalog requests through the retry executor. It owns an
// explicitly constructed resty client with a fixed header set; nothing is
// process-global and its lifetime is one run.
type Client struct {
	http   *resty.Client
	exec   *Executor
	logger *zap.Logger
}

// NewClient builds a Client for one run.
func NewClient(cfg ClientConfig, exec *Executor, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	agents := cfg.UserAgents
	if len(agents) == 0 {
		agents = defaultUserAgents
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", pickAgent(agents)).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.9").
		SetHeader("Connection", "close").
		SetDoNotParseResponse(false)

	return &Client{
		http:   rc,
		exec:   exec,
		logger: logger,
	}
}

// Get fetches rawURL and returns the body.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	return c.do(ctx, rawURL, func(attemptCtx context.Context) (*Response, error) {
		resp, err := c.http.R().SetContext(attemptCtx).Get(rawURL)
		return wrapResponse(resp, err)
	})
}

// PostForm issues an x-www-form-urlencoded POST and returns the body.
func (c *Client) PostForm(ctx context.Context, rawURL string, form map[string]string) ([]byte, error) {
	return c.do(ctx, rawURL, func(attemptCtx context.Context) (*Response, error) {
		resp, err := c.http.R().
			SetContext(attemptCtx).
			SetHeader("X-Requested-With", "XMLHttpRequest").
			SetFormData(form).
			Post(rawURL)
		return wrapResponse(resp, err)
	})
}

// PostMultipart issues a multipart/form-data POST, replaying the boundary
// shape browsers send for the inventory search form.
func (c *Client) PostMultipart(ctx context.Context, rawURL string, fields [][2]string) ([]byte, error) {
	body, contentType := encodeMultipart(fields)
	return c.do(ctx, rawURL, func(attemptCtx context.Context) (*Response, error) {
		resp, err := c.http.R().
			SetContext(attemptCtx).
			SetHeader("Content-Type", contentType).
			SetHeader("X-Requested-With", "XMLHttpRequest").
			SetBody(body).
			Post(rawURL)
		return wrapResponse(resp, err)
	})
}

func (c *Client) do(ctx context.Context, rawURL string, attempt Attempt) ([]byte, error) {
	resp, err := c.exec.Do(ctx, hostOf(rawURL), attempt)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func wrapResponse(resp *resty.Response, err error) (*Response, error) {
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// encodeMultipart builds a multipart body with a browser-style boundary.
func encodeMultipart(fields [][2]string) ([]byte, string) {
	boundary := "----geckoformboundary" + strings.ReplaceAll(uuid.NewString(), "-", "")
	var b strings.Builder
	for _, field := range fields {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Disposition: form-data; name=%q\r\n\r\n", field[0])
		fmt.Fprintf(&b, "%s\r\n", field[1])
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return []byte(b.String()), "multipart/form-data; boundary=" + boundary
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func pickAgent(agents []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(agents))))
	if err != nil {
		return agents[0]
	}
	return agents[n.Int64()]
}

// Header exposes the fixed header set for tests.
func (c *Client) Header(name string) string {
	return c.http.Header.Get(name)
}
