package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.StorageDriver != "fs" {
		t.Fatalf("StorageDriver 默认应为 fs，得到 %s", cfg.Global.StorageDriver)
	}
	if cfg.Global.InstallConcurrency != 4 {
		t.Fatalf("InstallConcurrency 默认应为 4，得到 %d", cfg.Global.InstallConcurrency)
	}
	if !cfg.Global.InstallOnStartup {
		t.Fatalf("InstallOnStartup 默认应开启")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 20*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("ListenPort 超出范围应当报错，得到 %v", err)
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		shouldErr bool
	}{
		{"fs ok", "fs", false},
		{"leveldb ok", "LevelDB", false},
		{"missing driver", "", true},
		{"unsupported driver", "redis", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestOriginValidation(t *testing.T) {
	for _, origin := range []string{"ftp://inspect.local", "inspect.local", "https://inspect.local/?a=1"} {
		cfg := validConfig()
		cfg.Global.Origin = origin
		if err := cfg.Validate(); err == nil {
			t.Fatalf("origin %q 应当被拒绝", origin)
		}
	}
}

func TestOriginURLAddsTrailingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Origin = "https://inspect.local/app"
	u, err := cfg.OriginURL()
	if err != nil {
		t.Fatalf("OriginURL error: %v", err)
	}
	if u.String() != "https://inspect.local/app/" {
		t.Fatalf("unexpected origin url %s", u)
	}
}
