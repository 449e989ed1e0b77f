// Package server 实现面向构建工具的极简 HTTP/1.1 代理协议循环：
// 每个 TCP 连接一个 goroutine，逐行解析 GET/HEAD 请求块，
// 经镜像改写后从补丁目录、缓存目录或回源结果中返回文件。
// 它刻意不使用 net/http 的请求解析，以保留“逐行扫描、后者覆盖前者”的宽松语义。
package server
