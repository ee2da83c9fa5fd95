package main

import (
	"fmt"

	"github.com/safelease/safelease-gateway/internal/manifest"
	"github.com/safelease/safelease-gateway/internal/version"
)

// printVersion 输出二进制版本以及内置清单对应的缓存代际。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
	if assets, err := manifest.Default(); err == nil {
		fmt.Fprintf(stdOut, "cache generation %s (%d assets)\n", assets.Version, len(assets.Assets))
	}
}
