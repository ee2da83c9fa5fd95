package lifecycle

import "errors"

var (
	// ErrInstallFailed 表示清单中至少一个资源没有成功写入，代际不会被标记为 ready。
	ErrInstallFailed = errors.New("install failed")
	// ErrAssetStatus 表示清单资源返回了非 2xx 状态。
	ErrAssetStatus = errors.New("unexpected asset status")
	// ErrNotReady 表示当前版本的代际尚未完成 install，不能激活。
	ErrNotReady = errors.New("cache generation not ready")
	// ErrNotIntercepted 表示请求不归缓存管理（非 GET），调用方应直接走网络。
	ErrNotIntercepted = errors.New("request not intercepted")
	// ErrOffline 表示导航请求网络失败且没有可用的兜底页面。
	ErrOffline = errors.New("offline and no fallback document cached")
	// ErrUnknownVersion 表示宿主收到了未注册版本的 claim 请求。
	ErrUnknownVersion = errors.New("unknown cache version")
)
