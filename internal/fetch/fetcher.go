package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPFetcher 基于共享 http.Client 执行请求，并按 scope 判定响应类型。
type HTTPFetcher struct {
	client *http.Client
	scope  *url.URL
}

// NewHTTPFetcher 构造 Fetcher，scope 是应用所在的源（用于区分 basic 与跨域响应）。
func NewHTTPFetcher(client *http.Client, scope *url.URL) (*HTTPFetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if scope == nil || scope.Scheme == "" || scope.Host == "" {
		return nil, errors.New("absolute scope url is required")
	}
	return &HTTPFetcher{client: client, scope: scope}, nil
}

// Fetch 发送请求并完整读取响应体。
func (f *HTTPFetcher) Fetch(ctx context.Context, r *Request) (*Response, error) {
	if r == nil {
		return nil, errors.New("request is required")
	}
	target, err := url.Parse(r.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", r.URL, err)
	}
	if !target.IsAbs() {
		target = f.scope.ResolveReference(target)
	}
	target.Fragment = ""

	mode := r.Mode
	if mode == "" {
		mode = ModeNoCORS
	}
	if mode == ModeSameOrigin && !SameOrigin(target, f.scope) {
		return nil, fmt.Errorf("%w: %s", ErrCrossOrigin, target)
	}

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if r.Header != nil {
		CopyHeaders(req.Header, r.Header)
	}
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Host")
	req.Host = target.Host

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNetwork, target, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrNetwork, target, err)
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	out := &Response{
		URL:    final.String(),
		Status: resp.StatusCode,
		Header: http.Header{},
		Body:   payload,
		Type:   TypeBasic,
	}
	CopyHeaders(out.Header, resp.Header)

	if !SameOrigin(final, f.scope) {
		if mode == ModeNoCORS {
			return &Response{URL: final.String(), Type: TypeOpaque}, nil
		}
		out.Type = TypeCORS
	}
	return out, nil
}

// SameOrigin 比较 scheme + host + port。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(originHost(a), originHost(b))
}

func originHost(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return u.Hostname() + ":" + port
}
