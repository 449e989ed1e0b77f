// Package fetch 负责未命中请求的回源：策略检查、负缓存短路、
// 经可选上游代理下载并原子替换缓存文件。
package fetch
