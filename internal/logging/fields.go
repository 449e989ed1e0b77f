package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ConnFields 提供连接级字段，所有请求日志都会带上 conn_id。
func ConnFields(connID, remote string) logrus.Fields {
	return logrus.Fields{
		"conn_id": connID,
		"remote":  remote,
	}
}

// FetchFields 提供回源日志字段。
func FetchFields(url, dest string, viaProxy bool) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"url":       url,
		"dest":      dest,
		"via_proxy": viaProxy,
	}
}
