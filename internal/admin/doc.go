// Package admin 提供只读的诊断 HTTP 接口（Fiber），用于查看当前快照与
// 对某个 URL 进行一次不触网的路由演练。默认关闭，由 AdminPort 启用。
package admin
