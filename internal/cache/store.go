package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 管理全部缓存代际，进程内共享一份实例，所有方法可并发调用。
type Storage interface {
	// Open 打开（不存在时创建）指定代际。
	Open(ctx context.Context, name string) (Generation, error)

	// Lookup 打开已存在的代际，不存在时返回 ErrGenerationNotFound。
	Lookup(ctx context.Context, name string) (Generation, error)

	// Names 返回当前可枚举的代际名称，按名称排序。
	Names(ctx context.Context) ([]string, error)

	// Delete 整体删除代际及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// MarkReady 标记代际已完整写入清单资源。
	MarkReady(ctx context.Context, name string) error

	// Info 返回单个代际的元数据与条目数。
	Info(ctx context.Context, name string) (GenerationInfo, error)

	Close() error
}

// Generation 是一个代际内 RequestKey → Response 的映射。同一 key 的后写覆盖先写。
type Generation interface {
	Name() string

	// Match 返回缓存响应，未命中返回 ErrNotFound。
	Match(ctx context.Context, key RequestKey) (*Response, error)

	// Put 写入响应；key 必须是 GET 请求。
	Put(ctx context.Context, key RequestKey, resp Response) error

	// Keys 返回代际中的全部请求键。
	Keys(ctx context.Context) ([]RequestKey, error)
}

// RequestKey 唯一定位代际中的条目（方法 + 去掉 fragment 的 URL）。
type RequestKey struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// KeyFor 规范化方法与 URL，得到可比较的 RequestKey。
func KeyFor(method, rawURL string) (RequestKey, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return RequestKey{}, fmt.Errorf("invalid request url: %w", err)
	}
	if !parsed.IsAbs() {
		return RequestKey{}, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return RequestKey{Method: method, URL: parsed.String()}, nil
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Response 是写入代际后的不可变响应快照。
type Response struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	Type     string      `json:"type"`
	StoredAt time.Time   `json:"stored_at"`
}

// GenerationInfo 汇总代际状态，供激活流程与诊断接口使用。
type GenerationInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Ready     bool      `json:"ready"`
	ReadyAt   time.Time `json:"ready_at,omitempty"`
	Entries   int       `json:"entries"`
}

// generationMeta 是两种后端共享的代际元数据格式。
type generationMeta struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Ready     bool      `json:"ready"`
	ReadyAt   time.Time `json:"ready_at"`
}

var (
	// ErrNotFound 表示代际内不存在该请求的条目。
	ErrNotFound = errors.New("cache entry not found")
	// ErrGenerationNotFound 表示代际不存在。
	ErrGenerationNotFound = errors.New("cache generation not found")
	// ErrInvalidName 表示代际名称无法安全映射到存储。
	ErrInvalidName = errors.New("invalid generation name")
	// ErrUnsupportedMethod 表示尝试缓存非 GET 请求。
	ErrUnsupportedMethod = errors.New("only GET requests can be cached")
)

// ValidateName 拒绝包含路径分隔符、控制字符或以点开头的代际名称。
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\:\x00") {
		return fmt.Errorf("%w: %s", ErrInvalidName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

func checkPut(key RequestKey) error {
	if key.Method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, key.Method)
	}
	if key.URL == "" {
		return errors.New("request url required")
	}
	return nil
}

// cloneResponse 深拷贝 Header 与 Body，保证写入后不再受调用方修改影响。
func cloneResponse(resp Response) Response {
	out := resp
	if resp.Header != nil {
		out.Header = resp.Header.Clone()
	}
	if resp.Body != nil {
		out.Body = append([]byte(nil), resp.Body...)
	}
	return out
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
