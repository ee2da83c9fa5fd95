package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 描述 install/activate 等生命周期事件涉及的代际。
func LifecycleFields(action, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"generation": generation,
	}
}

// RequestFields 提供方法/URL/模式/缓存来源字段，供拦截请求日志复用。
func RequestFields(method, url, mode, generation, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"method":       method,
		"url":          url,
		"mode":         mode,
		"generation":   generation,
		"cache_status": cacheStatus,
	}
}
