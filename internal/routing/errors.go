package routing

import "fmt"

// ConfigError 表示配置文件无法加载或校验失败。首次加载时致命，
// 之后的 reload 失败只会记录日志并保留旧快照。
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("加载配置 %s 失败: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
