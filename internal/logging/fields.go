package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供单次下载的关联字段，队列与传输层日志共用。
func FetchFields(action, url, fetchID string, attempt int) logrus.Fields {
	fields := logrus.Fields{
		"action":  action,
		"url":     url,
		"attempt": attempt,
	}
	if fetchID != "" {
		fields["fetch_id"] = fetchID
	}
	return fields
}

// FailureFields 追加传输层错误码，便于按错误类别聚合。
func FailureFields(fields logrus.Fields, code, internalCode int) logrus.Fields {
	fields["error_code"] = code
	fields["internal_code"] = internalCode
	return fields
}
