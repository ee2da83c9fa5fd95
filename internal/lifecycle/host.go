package lifecycle

import "context"

// Host 是承载 Manager 的宿主环境。
type Host interface {
	// SkipWaiting 通知宿主：该版本 install 完成后无需等待旧客户端关闭即可激活。
	SkipWaiting(version string)
	// ClaimClients 让该版本立即接管已打开的客户端。
	ClaimClients(ctx context.Context, version string) error
}

type noopHost struct{}

func (noopHost) SkipWaiting(string) {}

func (noopHost) ClaimClients(context.Context, string) error { return nil }
