// Package version 保存构建时注入的二进制版本。缓存代际名称来自内置清单，与这里的版本号无关。
package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Name 是日志与 CLI 输出中使用的服务名。
const Name = "safelease-gateway"

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
