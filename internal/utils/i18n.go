package utils

// Minimal server-side i18n for fixed keys.
// UI strings should live in the frontend; server provides only essentials.

var translations = map[string]map[string]string{
	"en": {
		"health.ok":                    "ok",
		"error.invalid":                "The request is invalid.",
		"error.unauthorized":           "Please sign in again.",
		"error.forbidden":              "You are not allowed to do this.",
		"error.not_found":              "Not found.",
		"error.conflict":               "The request conflicts with the current state.",
		"error.internal":               "Something went wrong on our side.",
		"error.validation":             "Some ratings are missing or out of range.",
		"error.empty_sample_set":       "Add samples to this product type before randomizing.",
		"error.randomization_exists":   "This product type is already randomized.",
		"error.randomization_missing":  "The tasting order is not ready. Please contact the panel leader.",
		"error.duplicate_evaluation":   "You have already rated this sample.",
		"error.transient":              "The server is busy. Please try again.",
		"error.stale_completion":       "Your progress could not be verified. Please return to the dashboard.",
		"error.submission_in_progress": "Your rating is already being saved.",
		"error.flow_complete":          "You have finished this event. Thank you!",
		"error.reveal_pending":         "Please review the reveal before continuing.",
		"error.no_reveal_pending":      "There is nothing to reveal right now.",
		"error.out_of_sequence":        "This is not the sample you should rate now.",
		"error.event_not_active":       "This event is not open for tasting.",
		"error.event_not_editable":     "This event can no longer be changed.",
		"error.invalid_transition":     "This status change is not allowed.",
	},
	"zh": {
		"health.ok":                    "好的",
		"error.invalid":                "请求无效。",
		"error.unauthorized":           "请重新登录。",
		"error.forbidden":              "您无权执行此操作。",
		"error.not_found":              "未找到。",
		"error.conflict":               "请求与当前状态冲突。",
		"error.internal":               "服务器出现错误。",
		"error.validation":             "部分评分缺失或超出范围。",
		"error.empty_sample_set":       "请先为该产品类别添加样品再进行随机化。",
		"error.randomization_exists":   "该产品类别已完成随机化。",
		"error.randomization_missing":  "品评顺序尚未准备好，请联系品评负责人。",
		"error.duplicate_evaluation":   "您已经对该样品评过分。",
		"error.transient":              "服务器繁忙，请重试。",
		"error.stale_completion":       "无法核实您的进度，请返回主页。",
		"error.submission_in_progress": "您的评分正在保存中。",
		"error.flow_complete":          "您已完成本次品评，谢谢！",
		"error.reveal_pending":         "请先查看揭晓结果再继续。",
		"error.no_reveal_pending":      "当前没有需要揭晓的内容。",
		"error.out_of_sequence":        "这不是您当前应评价的样品。",
		"error.event_not_active":       "该活动当前未开放品评。",
		"error.event_not_editable":     "该活动已无法修改。",
		"error.invalid_transition":     "不允许此状态变更。",
	},
}

// T returns the translated string for key in locale; falls back to English.
func T(locale, key string) string {
	if m, ok := translations[locale]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	if m, ok := translations["en"]; ok {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return key
}
