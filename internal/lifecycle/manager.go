package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/safelease/safelease-gateway/internal/cache"
	"github.com/safelease/safelease-gateway/internal/fetch"
	"github.com/safelease/safelease-gateway/internal/logging"
	"github.com/safelease/safelease-gateway/internal/manifest"
)

const defaultInstallConcurrency = 4

// Options 描述构造 Manager 所需的全部依赖，版本号不再是隐藏的全局常量。
type Options struct {
	Version string
	// Assets 为清单中的 URL，相对路径以 Scope 为基准展开。
	Assets []string
	Scope  *url.URL

	Fetcher fetch.Fetcher
	Storage cache.Storage
	Host    Host
	Logger  *logrus.Logger

	InstallConcurrency int
	// FallbackDocument 缺省为 ./index.html。
	FallbackDocument string
}

// Manager 管理单个版本的缓存代际。除构造参数外不持有状态，可被并发调用。
type Manager struct {
	opts     Options
	version  string
	assets   []string
	scope    *url.URL
	fallback string

	fetcher fetch.Fetcher
	storage cache.Storage
	host    Host
	logger  *logrus.Logger
}

// New 校验依赖并展开清单 URL。
func New(opts Options) (*Manager, error) {
	if err := cache.ValidateName(opts.Version); err != nil {
		return nil, fmt.Errorf("version: %w", err)
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("absolute scope url is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Host == nil {
		opts.Host = noopHost{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	if opts.FallbackDocument == "" {
		opts.FallbackDocument = manifest.FallbackDocument
	}

	assets, err := manifest.ResolveAll(opts.Scope, opts.Assets)
	if err != nil {
		return nil, err
	}
	fallback, err := manifest.ResolveURL(opts.Scope, opts.FallbackDocument)
	if err != nil {
		return nil, err
	}

	return &Manager{
		opts:     opts,
		version:  opts.Version,
		assets:   assets,
		scope:    opts.Scope,
		fallback: fallback,
		fetcher:  opts.Fetcher,
		storage:  opts.Storage,
		host:     opts.Host,
		logger:   opts.Logger,
	}, nil
}

// WithVersion 复用全部依赖构造另一个版本的 Manager，例如启动时恢复旧代际。
func (m *Manager) WithVersion(version string) (*Manager, error) {
	opts := m.opts
	opts.Version = version
	return New(opts)
}

// Version 返回当前代际名称。
func (m *Manager) Version() string {
	return m.version
}

// Scope 返回应用源地址。
func (m *Manager) Scope() *url.URL {
	clone := *m.scope
	return &clone
}

// Assets 返回展开后的清单 URL。
func (m *Manager) Assets() []string {
	return append([]string(nil), m.assets...)
}

// Install 打开（或创建）当前代际并预取全部清单资源。任何一个资源失败都会使 install 失败，
// 已写入的条目保留但代际不会被标记为 ready。重复执行会重新抓取并覆盖。
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	started := time.Now()
	report := InstallReport{Generation: m.version, Assets: len(m.assets)}

	m.host.SkipWaiting(m.version)

	gen, err := m.storage.Open(ctx, m.version)
	if err != nil {
		m.logInstall(report, started, err)
		return report, fmt.Errorf("%w: open generation %s: %w", ErrInstallFailed, m.version, err)
	}

	var stored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.InstallConcurrency)
	for _, asset := range m.assets {
		g.Go(func() error {
			if err := m.precache(gctx, gen, asset); err != nil {
				return err
			}
			stored.Add(1)
			return nil
		})
	}
	err = g.Wait()
	report.Stored = int(stored.Load())
	if err != nil {
		report.Elapsed = time.Since(started)
		m.logInstall(report, started, err)
		return report, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := m.storage.MarkReady(ctx, m.version); err != nil {
		m.logInstall(report, started, err)
		return report, fmt.Errorf("%w: mark ready: %w", ErrInstallFailed, err)
	}

	report.Elapsed = time.Since(started)
	m.logInstall(report, started, nil)
	return report, nil
}

func (m *Manager) precache(ctx context.Context, gen cache.Generation, asset string) error {
	mode := fetch.ModeSameOrigin
	if !m.sameOrigin(asset) {
		mode = fetch.ModeCORS
	}
	resp, err := m.fetcher.Fetch(ctx, &fetch.Request{Method: http.MethodGet, URL: asset, Mode: mode})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", asset, err)
	}
	if resp.Status < 200 || resp.Status > 299 {
		return fmt.Errorf("%w: %s returned %d", ErrAssetStatus, asset, resp.Status)
	}

	key, err := cache.KeyFor(http.MethodGet, asset)
	if err != nil {
		return err
	}
	if err := gen.Put(ctx, key, toCached(resp)); err != nil {
		return fmt.Errorf("store %s: %w", asset, err)
	}
	return nil
}

func (m *Manager) logInstall(report InstallReport, started time.Time, err error) {
	fields := logging.LifecycleFields("install", m.version)
	fields["assets"] = report.Assets
	fields["stored"] = report.Stored
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		m.logger.WithFields(fields).Error("install_failed")
		return
	}
	m.logger.WithFields(fields).Info("install_complete")
}

// Activate 删除所有名称不等于当前版本的代际，再接管客户端。旧代际的删除并发执行，
// 单个失败只记录在报告中，不阻止其它删除或接管。
func (m *Manager) Activate(ctx context.Context) (ActivationReport, error) {
	report := ActivationReport{Generation: m.version}

	info, err := m.storage.Info(ctx, m.version)
	if err != nil {
		if errors.Is(err, cache.ErrGenerationNotFound) {
			return report, fmt.Errorf("%w: %s", ErrNotReady, m.version)
		}
		return report, err
	}
	if !info.Ready {
		return report, fmt.Errorf("%w: %s", ErrNotReady, m.version)
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		return report, fmt.Errorf("list generations: %w", err)
	}

	var stale []string
	for _, name := range names {
		if name != m.version {
			stale = append(stale, name)
		}
	}

	outcomes := make([]DeletionOutcome, len(stale))
	var g errgroup.Group
	for i, name := range stale {
		g.Go(func() error {
			existed, err := m.storage.Delete(ctx, name)
			outcomes[i] = DeletionOutcome{Name: name, Existed: existed, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	report.Deleted = outcomes

	for _, outcome := range outcomes {
		fields := logging.LifecycleFields("activate", m.version)
		fields["stale"] = outcome.Name
		if outcome.Err != nil {
			fields["error"] = outcome.Err.Error()
			m.logger.WithFields(fields).Warn("stale_delete_failed")
			continue
		}
		m.logger.WithFields(fields).Debug("stale_deleted")
	}

	if err := m.host.ClaimClients(ctx, m.version); err != nil {
		return report, fmt.Errorf("claim clients: %w", err)
	}
	report.Claimed = true

	fields := logging.LifecycleFields("activate", m.version)
	fields["deleted"] = len(outcomes)
	fields["delete_failures"] = len(report.Failed())
	m.logger.WithFields(fields).Info("activate_complete")
	return report, nil
}

// Intercept 按 cache-first → network → 导航兜底 的顺序响应 GET 请求。
// 非 GET 请求返回 ErrNotIntercepted，由调用方自行走网络。
func (m *Manager) Intercept(ctx context.Context, req *fetch.Request) (*Result, error) {
	if req == nil {
		return nil, errors.New("request is required")
	}
	if !strings.EqualFold(req.Method, http.MethodGet) {
		return nil, ErrNotIntercepted
	}
	key, err := cache.KeyFor(http.MethodGet, req.URL)
	if err != nil {
		return nil, err
	}

	// 使用 Lookup 而不是 Open：激活期间被删除的旧代际不能被在途请求重新创建。
	gen, err := m.storage.Lookup(ctx, m.version)
	if err != nil {
		if !errors.Is(err, cache.ErrGenerationNotFound) {
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.version)).
				Warn("cache_open_failed")
		}
		gen = nil
	}

	if gen != nil {
		cached, err := gen.Match(ctx, key)
		switch {
		case err == nil:
			return &Result{Response: fromCached(cached), Source: SourceCache, Generation: m.version}, nil
		case errors.Is(err, cache.ErrNotFound):
			// miss, continue
		default:
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.version)).
				Warn("cache_match_failed")
		}
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		if !req.IsNavigation() {
			return nil, err
		}
		if gen != nil {
			if doc, ferr := m.matchURL(ctx, gen, m.fallback); ferr == nil {
				return &Result{Response: doc, Source: SourceFallback, Generation: m.version}, nil
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrOffline, err)
	}

	if gen != nil && isCacheable(resp) {
		if err := gen.Put(ctx, key, toCached(resp.Clone())); err != nil {
			m.logger.WithError(err).
				WithFields(logging.LifecycleFields("intercept", m.version)).
				Warn("cache_put_failed")
		}
	}
	return &Result{Response: resp, Source: SourceNetwork, Generation: m.version}, nil
}

// Lookup 只读取当前代际，不访问网络；rawURL 可以是相对清单路径。
func (m *Manager) Lookup(ctx context.Context, rawURL string) (*fetch.Response, error) {
	abs, err := manifest.ResolveURL(m.scope, rawURL)
	if err != nil {
		return nil, err
	}
	gen, err := m.storage.Lookup(ctx, m.version)
	if err != nil {
		return nil, err
	}
	return m.matchURL(ctx, gen, abs)
}

func (m *Manager) matchURL(ctx context.Context, gen cache.Generation, rawURL string) (*fetch.Response, error) {
	key, err := cache.KeyFor(http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	cached, err := gen.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	return fromCached(cached), nil
}

func (m *Manager) sameOrigin(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return fetch.SameOrigin(parsed, m.scope)
}

// isCacheable 仅允许 200 且同源可见（basic）的响应写入代际。
func isCacheable(resp *fetch.Response) bool {
	return resp != nil && resp.Status == http.StatusOK && resp.Type == fetch.TypeBasic
}

func toCached(resp *fetch.Response) cache.Response {
	return cache.Response{
		URL:    resp.URL,
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
		Type:   string(resp.Type),
	}
}

func fromCached(resp *cache.Response) *fetch.Response {
	return &fetch.Response{
		URL:    resp.URL,
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
		Type:   fetch.ResponseType(resp.Type),
	}
}
