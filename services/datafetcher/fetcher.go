package datafetcher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// fetcher is the HTTP plumbing shared by the REST adapters.
type fetcher struct {
	name    string
	client  *resty.Client
	limiter *rate.Limiter
}

func newFetcher(name, defaultBaseURL string, opts Options) *fetcher {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", defaultUserAgent)

	return &fetcher{
		name:    name,
		client:  client,
		limiter: newLimiter(opts.RequestsPerMinute),
	}
}

func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// allow spends one token of the local quota.
func allow(l *rate.Limiter) bool {
	return l == nil || l.Allow()
}

// get performs one GET and classifies the outcome into a failure kind.
func (f *fetcher) get(ctx context.Context, fail failure, path string, params map[string]string, headers map[string]string) ([]byte, error) {
	if !allow(f.limiter) {
		return nil, fail.rateLimited("local request quota exhausted")
	}

	req := f.client.R().SetContext(ctx).SetQueryParams(params)
	if len(headers) > 0 {
		req.SetHeaders(headers)
	}
	resp, err := req.Get(path)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fail.unavailable("request aborted: %v", err)
		}
		return nil, fail.unavailable("request failed: %v", err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusTooManyRequests:
		return nil, fail.rateLimited("status %d", status)
	case status < 200 || status >= 300:
		return nil, fail.unavailable("status %d: %s", status, truncate(resp.Body(), 200))
	}
	return resp.Body(), nil
}

func decode(fail failure, body []byte, v any) error {
	if err := sonic.Unmarshal(body, v); err != nil {
		return fail.malformed("decode: %v", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
