package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/safelease/safelease-gateway/internal/fetch"
	"github.com/safelease/safelease-gateway/internal/lifecycle"
	"github.com/safelease/safelease-gateway/internal/logging"
	"github.com/safelease/safelease-gateway/internal/server"
)

// 响应头 X-Safelease-Cache 的取值。
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheFallback = "fallback"
	CacheBypass   = "bypass"
)

// ManagerSource 提供当前接管请求的 Manager，nil 表示没有可用代际。
type ManagerSource interface {
	Active() *lifecycle.Manager
}

// Handler 把入站请求映射到源站 URL，先交给当前代际拦截，未被拦截的请求直接回源。
type Handler struct {
	source  ManagerSource
	fetcher fetch.Fetcher
	origin  *url.URL
	logger  *logrus.Logger
}

// NewHandler constructs a proxy handler. origin must be an absolute base URL.
func NewHandler(source ManagerSource, fetcher fetch.Fetcher, origin *url.URL, logger *logrus.Logger) (*Handler, error) {
	if source == nil {
		return nil, errors.New("manager source is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if origin == nil || !origin.IsAbs() {
		return nil, errors.New("absolute origin url is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Handler{source: source, fetcher: fetcher, origin: origin, logger: logger}, nil
}

// Handle 实现 server.ProxyHandler。任何阶段出错都会输出结构化日志，panic 被转换为 500。
func (h *Handler) Handle(c fiber.Ctx) (err error) {
	started := time.Now()
	requestID := server.RequestID(c)
	defer func() {
		if r := recover(); r != nil {
			err = h.respondHandlerPanic(c, r, requestID)
		}
	}()

	req := h.buildRequest(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, cacheStatus, err := h.resolve(ctx, req)
	if err != nil {
		h.logResult(req, "", cacheStatus, requestID, 0, started, err)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := result.Response
	if resp.Type == fetch.TypeOpaque {
		h.logResult(req, result.Generation, cacheStatus, requestID, 0, started, nil)
		setRequestIDHeader(c, requestID)
		return h.writeError(c, fiber.StatusBadGateway, "opaque_response")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Safelease-Cache", cacheStatus)
	if result.Generation != "" {
		c.Set("X-Safelease-Generation", result.Generation)
	}
	setRequestIDHeader(c, requestID)
	c.Status(resp.Status)

	h.logResult(req, result.Generation, cacheStatus, requestID, resp.Status, started, nil)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// resolve 优先交给当前代际；没有代际或请求不被拦截时直接回源。
func (h *Handler) resolve(ctx context.Context, req *fetch.Request) (*lifecycle.Result, string, error) {
	if manager := h.source.Active(); manager != nil {
		result, err := manager.Intercept(ctx, req)
		switch {
		case err == nil:
			return result, cacheStatusFor(result.Source), nil
		case errors.Is(err, lifecycle.ErrNotIntercepted):
			// 非 GET，走网络
		default:
			return nil, CacheMiss, err
		}
	}

	resp, err := h.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, CacheBypass, err
	}
	return &lifecycle.Result{Response: resp, Source: lifecycle.SourceNetwork}, CacheBypass, nil
}

func cacheStatusFor(source lifecycle.Source) string {
	switch source {
	case lifecycle.SourceCache:
		return CacheHit
	case lifecycle.SourceFallback:
		return CacheFallback
	default:
		return CacheMiss
	}
}

func (h *Handler) buildRequest(c fiber.Ctx) *fetch.Request {
	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())

	var body []byte
	if raw := c.Body(); len(raw) > 0 {
		body = append([]byte(nil), raw...)
	}

	return &fetch.Request{
		Method: c.Method(),
		URL:    resolveOriginURL(h.origin, c).String(),
		Mode:   fetch.ModeFromHeaders(header),
		Header: header,
		Body:   body,
	}
}

// resolveOriginURL 把请求路径拼接到 origin 的路径之下，保留查询串与结尾斜杠。
func resolveOriginURL(origin *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: strings.TrimPrefix(clean, "/")}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	base := *origin
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return base.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		return "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if fetch.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) respondHandlerPanic(c fiber.Ctx, recovered any, requestID string) error {
	fields := logrus.Fields{
		"action": "proxy",
		"error":  "handler_panic",
		"method": c.Method(),
		"path":   c.Path(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func (h *Handler) logResult(
	req *fetch.Request,
	generation string,
	cacheStatus string,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(req.Method, req.URL, string(req.Mode), generation, cacheStatus)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
