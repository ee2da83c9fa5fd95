// Package lifecycle 实现离线资源缓存的生命周期管理：install 预取清单、activate
// 清理旧代际并接管客户端、intercept 以 cache-first 策略响应请求。
//
// Manager 本身不持有可变状态，版本号、清单、存储与网络层都在构造时注入，
// 不同版本的 Manager 可以在同一个 Storage 上并存。
// Controller 扮演宿主环境，记录当前接管请求的 Manager 以及等待激活的新版本。
package lifecycle
