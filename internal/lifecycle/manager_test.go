package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/safelease/safelease-gateway/internal/cache"
	"github.com/safelease/safelease-gateway/internal/fetch"
)

const testScope = "https://inspect.example.com/"

// fakeFetcher 按 URL 返回预置响应，并记录每个 URL 的请求次数。
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*fetch.Response
	failures  map[string]error
	offline   bool
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]*fetch.Response),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) serve(rawURL string, status int, body string, typ fetch.ResponseType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[rawURL] = &fetch.Response{
		URL:    rawURL,
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
	}
}

func (f *fakeFetcher) fail(rawURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[rawURL] = err
}

func (f *fakeFetcher) restore(rawURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, rawURL)
}

func (f *fakeFetcher) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sum := 0
	for _, n := range f.calls {
		sum += n
	}
	return sum
}

func (f *fakeFetcher) Fetch(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.URL]++
	if f.offline {
		return nil, fmt.Errorf("%w: offline", fetch.ErrNetwork)
	}
	if err, ok := f.failures[req.URL]; ok {
		return nil, err
	}
	resp, ok := f.responses[req.URL]
	if !ok {
		return &fetch.Response{URL: req.URL, Status: http.StatusNotFound, Type: fetch.TypeBasic}, nil
	}
	return resp.Clone(), nil
}

type testEnv struct {
	storage cache.Storage
	fetcher *fakeFetcher
	scope   *url.URL
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	storage, err := cache.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	scope, err := url.Parse(testScope)
	require.NoError(t, err)
	return &testEnv{storage: storage, fetcher: newFakeFetcher(), scope: scope}
}

func (e *testEnv) manager(t *testing.T, version string, assets []string, host Host) *Manager {
	t.Helper()
	m, err := New(Options{
		Version: version,
		Assets:  assets,
		Scope:   e.scope,
		Fetcher: e.fetcher,
		Storage: e.storage,
		Host:    host,
	})
	require.NoError(t, err)
	return m
}

func (e *testEnv) serveAll(assets ...string) {
	for _, asset := range assets {
		e.fetcher.serve(testScope+asset, http.StatusOK, "content of "+asset, fetch.TypeBasic)
	}
}

func get(rawURL string, mode fetch.Mode) *fetch.Request {
	return &fetch.Request{Method: http.MethodGet, URL: rawURL, Mode: mode}
}

func TestInstallStoresEveryAssetAndMarksReady(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html", "app.css", "src/checklist.json")
	m := env.manager(t, "safelease-ar-v1.0", []string{"./index.html", "./app.css", "./src/checklist.json"}, nil)

	report, err := m.Install(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Assets)
	require.Equal(t, 3, report.Stored)

	info, err := env.storage.Info(context.Background(), "safelease-ar-v1.0")
	require.NoError(t, err)
	require.True(t, info.Ready)
	require.Equal(t, 3, info.Entries)
}

func TestCacheHitNeverTouchesNetwork(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html", "app.css")
	m := env.manager(t, "safelease-ar-v1.0", []string{"./index.html", "./app.css"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)
	_, err = m.Activate(context.Background())
	require.NoError(t, err)

	before := env.fetcher.total()
	var first []byte
	for i := 0; i < 5; i++ {
		result, err := m.Intercept(context.Background(), get(testScope+"app.css", fetch.ModeNoCORS))
		require.NoError(t, err)
		require.Equal(t, SourceCache, result.Source)
		if first == nil {
			first = result.Response.Body
		}
		require.Equal(t, first, result.Response.Body)
	}
	require.Equal(t, before, env.fetcher.total(), "cache hits must not reach the network")
	require.Equal(t, "content of app.css", string(first))
}

func TestActivateRefusesIncompleteGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html", "app.css", "manifest.json")
	env.fetcher.fail(testScope+"app.css", fmt.Errorf("%w: reset", fetch.ErrNetwork))
	m := env.manager(t, "safelease-ar-v1.0", []string{"./index.html", "./app.css", "./manifest.json"}, nil)

	_, err := m.Install(context.Background())
	require.ErrorIs(t, err, ErrInstallFailed)
	require.ErrorIs(t, err, fetch.ErrNetwork)

	_, err = m.Activate(context.Background())
	require.ErrorIs(t, err, ErrNotReady)

	info, err := env.storage.Info(context.Background(), "safelease-ar-v1.0")
	require.NoError(t, err)
	require.False(t, info.Ready)

	env.fetcher.restore(testScope + "app.css")
	_, err = m.Install(context.Background())
	require.NoError(t, err)
	report, err := m.Activate(context.Background())
	require.NoError(t, err)
	require.True(t, report.Claimed)
}

func TestInstallRejectsNonSuccessStatus(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html")
	m := env.manager(t, "v1", []string{"./index.html", "./missing.png"}, nil)

	_, err := m.Install(context.Background())
	require.ErrorIs(t, err, ErrAssetStatus)
	_, err = m.Activate(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestActivateBeforeInstall(t *testing.T) {
	env := newTestEnv(t)
	m := env.manager(t, "v1", []string{"./index.html"}, nil)
	_, err := m.Activate(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestActivateDeletesStaleGenerations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	old, err := env.storage.Open(ctx, "safelease-ar-v0.9")
	require.NoError(t, err)
	oldKey, err := cache.KeyFor(http.MethodGet, testScope+"legacy.js")
	require.NoError(t, err)
	require.NoError(t, old.Put(ctx, oldKey, cache.Response{Status: http.StatusOK, Body: []byte("legacy")}))

	env.serveAll("index.html", "app.css")
	m := env.manager(t, "safelease-ar-v1.0", []string{"./index.html", "./app.css"}, nil)
	_, err = m.Install(ctx)
	require.NoError(t, err)

	report, err := m.Activate(ctx)
	require.NoError(t, err)
	require.Len(t, report.Deleted, 1)
	require.Equal(t, "safelease-ar-v0.9", report.Deleted[0].Name)
	require.True(t, report.Deleted[0].Existed)
	require.Empty(t, report.Failed())

	names, err := env.storage.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"safelease-ar-v1.0"}, names)

	gen, err := env.storage.Lookup(ctx, "safelease-ar-v1.0")
	require.NoError(t, err)
	keys, err := gen.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	for _, key := range keys {
		require.Contains(t, []string{testScope + "index.html", testScope + "app.css"}, key.URL)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html")
	m := env.manager(t, "v1", []string{"./index.html"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)

	_, err = m.Activate(context.Background())
	require.NoError(t, err)
	report, err := m.Activate(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Deleted)
}

func TestInterceptOnlyCachesBasicOK(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html")
	m := env.manager(t, "v1", []string{"./index.html"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)

	cdn := "https://cdn.example.net/"
	env.fetcher.serve(cdn+"lib.js", http.StatusOK, "lib", fetch.TypeCORS)
	env.fetcher.serve(cdn+"pixel.gif", 0, "", fetch.TypeOpaque)
	env.fetcher.serve(testScope+"broken", http.StatusInternalServerError, "boom", fetch.TypeBasic)
	env.fetcher.serve(testScope+"photo.jpg", http.StatusOK, "jpeg", fetch.TypeBasic)

	cases := []struct {
		url    string
		mode   fetch.Mode
		cached bool
	}{
		{testScope + "absent", fetch.ModeSameOrigin, false},
		{testScope + "broken", fetch.ModeSameOrigin, false},
		{cdn + "lib.js", fetch.ModeCORS, false},
		{cdn + "pixel.gif", fetch.ModeNoCORS, false},
		{testScope + "photo.jpg", fetch.ModeNoCORS, true},
	}
	for _, tc := range cases {
		result, err := m.Intercept(context.Background(), get(tc.url, tc.mode))
		require.NoError(t, err, tc.url)
		require.Equal(t, SourceNetwork, result.Source, tc.url)

		_, err = m.Lookup(context.Background(), tc.url)
		if tc.cached {
			require.NoError(t, err, tc.url)
		} else {
			require.ErrorIs(t, err, cache.ErrNotFound, tc.url)
		}
	}

	// 写回后的第二次请求命中缓存。
	before := env.fetcher.count(testScope + "photo.jpg")
	result, err := m.Intercept(context.Background(), get(testScope+"photo.jpg", fetch.ModeNoCORS))
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, before, env.fetcher.count(testScope+"photo.jpg"))
}

func TestInterceptNavigationFallsBackOffline(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html", "app.css")
	m := env.manager(t, "v1", []string{"./index.html", "./app.css"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)

	env.fetcher.setOffline(true)

	result, err := m.Intercept(context.Background(), get(testScope+"rooms/kitchen", fetch.ModeNavigate))
	require.NoError(t, err)
	require.Equal(t, SourceFallback, result.Source)
	require.Equal(t, "content of index.html", string(result.Response.Body))

	_, err = m.Intercept(context.Background(), get(testScope+"photo.jpg", fetch.ModeNoCORS))
	require.ErrorIs(t, err, fetch.ErrNetwork)
	require.False(t, errors.Is(err, ErrOffline))
}

func TestInterceptNavigationWithoutFallback(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("app.css")
	m := env.manager(t, "v1", []string{"./app.css"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)

	env.fetcher.setOffline(true)
	_, err = m.Intercept(context.Background(), get(testScope+"rooms", fetch.ModeNavigate))
	require.ErrorIs(t, err, ErrOffline)
	require.ErrorIs(t, err, fetch.ErrNetwork)
}

func TestInterceptIgnoresNonGet(t *testing.T) {
	env := newTestEnv(t)
	env.serveAll("index.html")
	m := env.manager(t, "v1", []string{"./index.html"}, nil)
	_, err := m.Install(context.Background())
	require.NoError(t, err)
	before := env.fetcher.total()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead} {
		_, err := m.Intercept(context.Background(), &fetch.Request{Method: method, URL: testScope + "index.html"})
		require.ErrorIs(t, err, ErrNotIntercepted, method)
	}
	require.Equal(t, before, env.fetcher.total())
}

func TestInterceptDoesNotRecreateDeletedGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.fetcher.serve(testScope+"photo.jpg", http.StatusOK, "jpeg", fetch.TypeBasic)
	m := env.manager(t, "v1", []string{"./photo.jpg"}, nil)

	result, err := m.Intercept(context.Background(), get(testScope+"photo.jpg", fetch.ModeNoCORS))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)

	names, err := env.storage.Names(context.Background())
	require.NoError(t, err)
	require.Empty(t, names)
}

// eventStorage 包装真实存储，按名称注入删除失败，并把 Delete/ClaimClients 记录到同一条事件序列。
type eventStorage struct {
	cache.Storage
	failDelete map[string]error
	// afterLookup 在 Lookup 返回前执行，用于模拟并发的激活。
	afterLookup func(name string)

	mu     sync.Mutex
	events []string
}

func (s *eventStorage) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *eventStorage) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *eventStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.record("delete:" + name)
	if err, ok := s.failDelete[name]; ok {
		return true, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *eventStorage) Lookup(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Lookup(ctx, name)
	if err == nil && s.afterLookup != nil {
		s.afterLookup(name)
	}
	return gen, err
}

// claimRecorder 把接管事件写入 eventStorage 的序列。
type claimRecorder struct {
	storage *eventStorage
}

func (h claimRecorder) SkipWaiting(string) {}

func (h claimRecorder) ClaimClients(_ context.Context, version string) error {
	h.storage.record("claim:" + version)
	return nil
}

func TestActivateContinuesPastFailedDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"safelease-ar-v0.8", "safelease-ar-v0.9"} {
		_, err := env.storage.Open(ctx, name)
		require.NoError(t, err)
	}
	diskErr := errors.New("device busy")
	storage := &eventStorage{
		Storage:    env.storage,
		failDelete: map[string]error{"safelease-ar-v0.8": diskErr},
	}
	env.serveAll("index.html")
	m, err := New(Options{
		Version: "safelease-ar-v1.0",
		Assets:  []string{"./index.html"},
		Scope:   env.scope,
		Fetcher: env.fetcher,
		Storage: storage,
		Host:    claimRecorder{storage: storage},
	})
	require.NoError(t, err)
	_, err = m.Install(ctx)
	require.NoError(t, err)

	report, err := m.Activate(ctx)
	require.NoError(t, err)
	require.True(t, report.Claimed)
	require.Len(t, report.Deleted, 2)

	failed := report.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, "safelease-ar-v0.8", failed[0].Name)
	require.ErrorIs(t, failed[0].Err, diskErr)

	names, err := env.storage.Names(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"safelease-ar-v0.8", "safelease-ar-v1.0"}, names)

	events := storage.recorded()
	require.Len(t, events, 3)
	require.ElementsMatch(t, []string{"delete:safelease-ar-v0.8", "delete:safelease-ar-v0.9"}, events[:2])
	require.Equal(t, "claim:safelease-ar-v1.0", events[2])
}

func TestInterceptDoesNotWriteIntoGenerationDeletedMidFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.serveAll("index.html")
	env.fetcher.serve(testScope+"photo.jpg", http.StatusOK, "jpeg", fetch.TypeBasic)

	storage := &eventStorage{Storage: env.storage}
	old, err := New(Options{
		Version: "safelease-ar-v0.9",
		Assets:  []string{"./index.html"},
		Scope:   env.scope,
		Fetcher: env.fetcher,
		Storage: storage,
	})
	require.NoError(t, err)
	_, err = old.Install(ctx)
	require.NoError(t, err)

	// 旧代际解析完成后、写回之前，被新版本的 activate 删除。
	storage.afterLookup = func(name string) {
		_, _ = env.storage.Delete(ctx, name)
	}
	result, err := old.Intercept(ctx, get(testScope+"photo.jpg", fetch.ModeNoCORS))
	require.NoError(t, err)
	require.Equal(t, SourceNetwork, result.Source)
	require.Equal(t, "jpeg", string(result.Response.Body))

	names, err := env.storage.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	reopened, err := env.storage.Open(ctx, "safelease-ar-v0.9")
	require.NoError(t, err)
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

// TestInspectionScenario 覆盖一次完整升级：旧版本残留 → install → activate → 离线访问。
func TestInspectionScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	controller := NewController(env.storage, nil)

	env.serveAll("index.html", "app.css")
	previous := env.manager(t, "safelease-ar-v0.9", []string{"./index.html"}, controller)
	_, err := controller.Update(ctx, previous)
	require.NoError(t, err)
	require.Equal(t, "safelease-ar-v0.9", controller.Active().Version())

	current := env.manager(t, "safelease-ar-v1.0", []string{"./index.html", "./app.css"}, controller)
	report, err := controller.Update(ctx, current)
	require.NoError(t, err)
	require.NotNil(t, report.Activation)
	require.False(t, report.Waiting)
	require.Equal(t, "safelease-ar-v1.0", controller.Active().Version())
	require.Equal(t, StateActivated, controller.State())

	names, err := env.storage.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"safelease-ar-v1.0"}, names)

	env.fetcher.setOffline(true)
	result, err := controller.Active().Intercept(ctx, get(testScope+"app.css", fetch.ModeNoCORS))
	require.NoError(t, err)
	require.Equal(t, SourceCache, result.Source)
	require.Equal(t, "content of app.css", string(result.Response.Body))
}

func TestNewValidatesOptions(t *testing.T) {
	env := newTestEnv(t)
	_, err := New(Options{Version: "../bad", Scope: env.scope, Fetcher: env.fetcher, Storage: env.storage})
	require.ErrorIs(t, err, cache.ErrInvalidName)

	_, err = New(Options{Version: "v1", Fetcher: env.fetcher, Storage: env.storage})
	require.Error(t, err)

	_, err = New(Options{Version: "v1", Scope: env.scope, Storage: env.storage})
	require.Error(t, err)

	m, err := New(Options{Version: "v1", Scope: env.scope, Fetcher: env.fetcher, Storage: env.storage, Assets: []string{"./a#frag"}})
	require.NoError(t, err)
	require.Equal(t, []string{testScope + "a"}, m.Assets())
}
