package lifecycle

import (
	"time"

	"github.com/safelease/safelease-gateway/internal/fetch"
)

// Source 标记拦截结果的来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Result 是一次拦截的输出。
type Result struct {
	Response   *fetch.Response
	Source     Source
	Generation string
}

// InstallReport 汇总 install 的执行情况。
type InstallReport struct {
	Generation string        `json:"generation"`
	Assets     int           `json:"assets"`
	Stored     int           `json:"stored"`
	Elapsed    time.Duration `json:"elapsed"`
}

// DeletionOutcome 记录单个旧代际的删除结果。
type DeletionOutcome struct {
	Name    string `json:"name"`
	Existed bool   `json:"existed"`
	Err     error  `json:"-"`
}

// ActivationReport 汇总 activate 的执行情况；删除失败不会阻止激活，由调用方决定是否升级处理。
type ActivationReport struct {
	Generation string            `json:"generation"`
	Deleted    []DeletionOutcome `json:"deleted"`
	Claimed    bool              `json:"claimed"`
}

// Failed 返回删除失败的旧代际。
func (r ActivationReport) Failed() []DeletionOutcome {
	var out []DeletionOutcome
	for _, outcome := range r.Deleted {
		if outcome.Err != nil {
			out = append(out, outcome)
		}
	}
	return out
}
