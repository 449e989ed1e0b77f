package server

import (
	"path"
	"strings"
)

const defaultContentType = "text/plain"

var contentTypes = map[string]string{
	"xml":    "application/xml",
	"pom":    "application/xml",
	"jar":    "application/java-archive",
	"war":    "application/java-archive",
	"ear":    "application/java-archive",
	"md5":    "text/plain",
	"sha1":   "text/plain",
	"sha256": "text/plain",
	"sha512": "text/plain",
	"asc":    "text/plain",
	"zip":    "application/zip",
	"json":   "application/json",
	"module": "application/json",
	"gz":     "application/gzip",
	"tgz":    "application/gzip",
}

// ContentType 依据 URL 路径的扩展名（不区分大小写）返回 Content-type；
// 未知扩展名返回 text/plain 且 known 为 false。
func ContentType(urlPath string) (contentType string, known bool) {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), "."))
	if ct, ok := contentTypes[ext]; ok {
		return ct, true
	}
	return defaultContentType, false
}
