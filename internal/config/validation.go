package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":      {},
	"leveldb": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := &c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if _, ok := supportedStorageDrivers[driver]; !ok {
		return newFieldError(globalField("StorageDriver"), "仅支持 fs|leveldb")
	}
	g.StorageDriver = driver
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("%s: %w", globalField("Origin"), err)
	}
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError(globalField("UpstreamTimeout"), "不能为负数")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError(globalField("InstallConcurrency"), "必须大于 0")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("缺少应用源地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源地址缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源地址不应包含查询串或片段: %s", raw)
	}
	return nil
}
