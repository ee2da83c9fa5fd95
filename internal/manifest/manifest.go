// Package manifest 提供构建期固化的离线资源清单：版本号 + 需要预取的 URL 列表。
package manifest

import (
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/safelease/safelease-gateway/internal/cache"
)

const (
	// FallbackDocument 是离线导航请求的兜底页面。
	FallbackDocument = "./index.html"
	// ChecklistDocument 是清单渲染器依赖的数据文件。
	ChecklistDocument = "./src/checklist.json"
)

//go:embed assets.yaml
var embedded []byte

// Manifest 描述一个缓存代际需要的全部资源，Assets 保持声明顺序。
type Manifest struct {
	Version string   `yaml:"version"`
	Assets  []string `yaml:"assets"`
}

// Default 解析随二进制一起发布的清单。
func Default() (Manifest, error) {
	return Parse(embedded)
}

// Parse 解析 YAML 清单并执行校验。
func Parse(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("解析资源清单失败: %w", err)
	}
	m.Version = strings.TrimSpace(m.Version)
	for i := range m.Assets {
		m.Assets[i] = strings.TrimSpace(m.Assets[i])
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate 确认版本号可作为代际名称，且资源列表非空、无重复。
func (m Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest version required")
	}
	if err := cache.ValidateName(m.Version); err != nil {
		return fmt.Errorf("manifest version: %w", err)
	}
	if len(m.Assets) == 0 {
		return errors.New("manifest requires at least one asset")
	}
	seen := make(map[string]struct{}, len(m.Assets))
	for _, raw := range m.Assets {
		if raw == "" {
			return errors.New("manifest asset must not be empty")
		}
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("manifest asset %q: %w", raw, err)
		}
		if _, dup := seen[raw]; dup {
			return fmt.Errorf("manifest asset %q listed twice", raw)
		}
		seen[raw] = struct{}{}
	}
	return nil
}

// Resolve 以 scope 为基准把相对路径展开成绝对 URL，顺序与清单一致。
func (m Manifest) Resolve(scope *url.URL) ([]string, error) {
	return ResolveAll(scope, m.Assets)
}

// ResolveAll 对任意相对/绝对 URL 列表执行与 Resolve 相同的展开。
func ResolveAll(scope *url.URL, assets []string) ([]string, error) {
	if scope == nil {
		return nil, errors.New("scope required")
	}
	result := make([]string, 0, len(assets))
	for _, raw := range assets {
		resolved, err := ResolveURL(scope, raw)
		if err != nil {
			return nil, err
		}
		result = append(result, resolved)
	}
	return result, nil
}

// ResolveURL 展开单个资源地址，并去掉 fragment。
func ResolveURL(scope *url.URL, raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid asset url %q: %w", raw, err)
	}
	abs := scope.ResolveReference(ref)
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String(), nil
}
