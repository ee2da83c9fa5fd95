package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// cliOutput 收集一次 run 调用写到 stdout/stderr 的内容。
type cliOutput struct {
	out bytes.Buffer
	err bytes.Buffer
}

// captureCLI 在测试期间把 stdOut/stdErr 换成内存缓冲区。
func captureCLI(t *testing.T) *cliOutput {
	t.Helper()
	captured := &cliOutput{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &captured.out, &captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 指向 internal/config/testdata 下的配置；go test 以包目录（即仓库根）为工作目录。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}

// writeGatewayConfig 写入一个指向 storagePath 的最小配置，extra 追加在后面。
func writeGatewayConfig(t *testing.T, storagePath string, extra ...string) string {
	t.Helper()
	lines := []string{
		`Origin = "https://inspect.safelease.example/"`,
		fmt.Sprintf("StoragePath = %q", storagePath),
	}
	lines = append(lines, extra...)
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}
