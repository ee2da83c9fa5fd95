package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Mode 对应浏览器请求的 mode，决定跨域响应的可见性以及导航兜底。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// ResponseType 描述响应的可见性：只有 basic 响应允许写入缓存。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

var (
	// ErrNetwork 表示传输层失败（离线、DNS、连接被拒绝等），与 HTTP 状态码无关。
	ErrNetwork = errors.New("network request failed")
	// ErrCrossOrigin 表示 same-origin 模式的请求指向了其它源。
	ErrCrossOrigin = errors.New("cross-origin request in same-origin mode")
)

// Request 是一次待发送的请求。
type Request struct {
	Method string
	URL    string
	Mode   Mode
	Header http.Header
	Body   []byte
}

// IsNavigation 判断是否为顶层文档加载。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Response 是完整读取后的响应；Status 为 0 仅出现在 opaque 响应中。
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
	Type   ResponseType
}

// Clone 深拷贝响应，写入缓存的副本与返回给调用方的原件互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return &out
}

// Fetcher 执行网络请求。返回 error 只代表传输层失败，任何 HTTP 状态都是成功。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ModeFromHeaders 依据 Sec-Fetch-Mode / Sec-Fetch-Dest 推断请求模式，缺省为 no-cors。
func ModeFromHeaders(h http.Header) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(h.Get("Sec-Fetch-Mode")))) {
	case ModeNavigate:
		return ModeNavigate
	case ModeSameOrigin:
		return ModeSameOrigin
	case ModeCORS:
		return ModeCORS
	case ModeNoCORS:
		return ModeNoCORS
	}
	if strings.EqualFold(strings.TrimSpace(h.Get("Sec-Fetch-Dest")), "document") {
		return ModeNavigate
	}
	return ModeNoCORS
}
