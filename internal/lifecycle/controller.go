package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/safelease/safelease-gateway/internal/cache"
	"github.com/safelease/safelease-gateway/internal/logging"
)

// State 描述最近一次更新所处的生命周期阶段。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// UpdateReport 汇总一次 install → activate 流程。
type UpdateReport struct {
	Install    InstallReport     `json:"install"`
	Activation *ActivationReport `json:"activation,omitempty"`
	Waiting    bool              `json:"waiting"`
}

// Controller 是网关内的宿主环境：决定哪个 Manager 接管请求，并按顺序派发生命周期事件。
type Controller struct {
	storage cache.Storage
	logger  *logrus.Logger

	// update 保证同一时刻只有一个 install → activate 流程。
	update sync.Mutex

	mu          sync.RWMutex
	active      *Manager
	waiting     *Manager
	skipWaiting map[string]bool
	state       State
}

// NewController 创建宿主，storage 用于启动时恢复已就绪的代际。
func NewController(storage cache.Storage, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Controller{
		storage:     storage,
		logger:      logger,
		skipWaiting: make(map[string]bool),
		state:       StateIdle,
	}
}

// SkipWaiting 实现 Host。
func (c *Controller) SkipWaiting(version string) {
	c.mu.Lock()
	c.skipWaiting[version] = true
	c.mu.Unlock()
}

// ClaimClients 实现 Host：等待中的同版本 Manager 成为新的接管者。
func (c *Controller) ClaimClients(_ context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.waiting != nil && c.waiting.Version() == version:
		c.active = c.waiting
		c.waiting = nil
	case c.active != nil && c.active.Version() == version:
		// 已经接管，重复 claim 无副作用。
	default:
		return fmt.Errorf("%w: %s", ErrUnknownVersion, version)
	}
	delete(c.skipWaiting, version)
	c.state = StateActivated
	c.logger.WithFields(logging.LifecycleFields("claim", version)).Info("clients_claimed")
	return nil
}

// Active 返回当前接管请求的 Manager；nil 表示请求应直接走网络。
func (c *Controller) Active() *Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Waiting 返回已安装但尚未激活的 Manager。
func (c *Controller) Waiting() *Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.waiting
}

// State 返回最近一次生命周期事件后的状态。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Restore 从持久化存储中挑选最近 ready 的代际，用 template 的依赖为其构造 Manager 并接管。
// 没有 ready 代际时返回 nil, nil。
func (c *Controller) Restore(ctx context.Context, template *Manager) (*Manager, error) {
	if template == nil {
		return nil, errors.New("template manager is required")
	}
	names, err := c.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}

	var best *cache.GenerationInfo
	for _, name := range names {
		info, err := c.storage.Info(ctx, name)
		if err != nil {
			c.logger.WithError(err).WithFields(logging.LifecycleFields("restore", name)).Warn("generation_info_failed")
			continue
		}
		if !info.Ready {
			continue
		}
		if best == nil || info.ReadyAt.After(best.ReadyAt) {
			candidate := info
			best = &candidate
		}
	}
	if best == nil {
		return nil, nil
	}

	m := template
	if best.Name != template.Version() {
		m, err = template.WithVersion(best.Name)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.active = m
	c.state = StateActivated
	c.mu.Unlock()

	c.logger.WithFields(logging.LifecycleFields("restore", m.Version())).Info("generation_restored")
	return m, nil
}

// Update 先 install，成功后在收到 skip-waiting 或当前无接管者时立即 activate，
// 否则把 Manager 挂为 waiting。install 失败时原接管者保持不变。
func (c *Controller) Update(ctx context.Context, m *Manager) (UpdateReport, error) {
	if m == nil {
		return UpdateReport{}, errors.New("manager is required")
	}
	c.update.Lock()
	defer c.update.Unlock()

	c.setState(StateInstalling)
	installed, err := m.Install(ctx)
	report := UpdateReport{Install: installed}
	if err != nil {
		c.setState(StateRedundant)
		return report, err
	}

	c.mu.Lock()
	// Install 总会调用 Host.SkipWaiting；Controller 作为 Host 时这里恒为 true。
	// 只有 Manager 挂在别的 Host 上、且已有接管者时才会进入 waiting。
	proceed := c.skipWaiting[m.Version()] || c.active == nil
	c.waiting = m
	if !proceed {
		c.state = StateInstalled
		c.mu.Unlock()
		report.Waiting = true
		return report, nil
	}
	c.state = StateActivating
	c.mu.Unlock()

	activation, err := m.Activate(ctx)
	report.Activation = &activation
	if err != nil {
		c.setState(StateInstalled)
		report.Waiting = true
		return report, err
	}
	return report, nil
}

// Forget 在代际被显式清除后调用；若清除的是接管者则回到直连网络。
func (c *Controller) Forget(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.Version() == version {
		c.active = nil
		c.state = StateIdle
	}
	if c.waiting != nil && c.waiting.Version() == version {
		c.waiting = nil
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}
