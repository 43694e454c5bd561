// Package i18n holds the fixed en/fa message catalog surfaced in API
// responses and audit-facing text. Keys are looked up with a fallback to
// en; an unknown key returns itself so a missing translation is visible
// rather than silently blank.
package i18n

import "strings"

var messages = map[string]map[string]string{
	"en": {
		"health_ok":             "Service is healthy.",
		"ready_ok":              "Service is ready.",
		"upload_ok":             "Document uploaded successfully.",
		"upload_quarantined":    "Document quarantined due to contract validation.",
		"upload_rejected":       "Document rejected due to contract policy.",
		"run_created":           "Run created successfully.",
		"run_cancelled":         "Run cancelled.",
		"run_not_found":         "Run not found.",
		"doc_not_found":         "Document not found.",
		"doc_quarantined":       "Document is quarantined and cannot be processed.",
		"quarantine_not_found":  "Quarantine item not found.",
		"quarantine_reprocessed": "Quarantine item reprocessed.",
		"queue_overloaded":      "Queue is overloaded. Please retry later.",
		"queue_backpressure":    "Run accepted under backpressure conditions.",
		"unauthorized":          "Unauthorized.",
		"forbidden":             "Forbidden.",
		"token_issued":          "Access token issued.",
		"rate_limited":          "Too many requests. Please slow down.",
	},
	"fa": {
		"health_ok":             "سرویس سالم است.",
		"ready_ok":              "سرویس آماده است.",
		"upload_ok":             "سند با موفقیت بارگذاری شد.",
		"upload_quarantined":    "سند به‌دلیل اعتبارسنجی قرارداد کیفیت به قرنطینه منتقل شد.",
		"upload_rejected":       "سند به‌دلیل سیاست قرارداد کیفیت رد شد.",
		"run_created":           "اجرا با موفقیت ایجاد شد.",
		"run_cancelled":         "اجرا لغو شد.",
		"run_not_found":         "اجرای موردنظر پیدا نشد.",
		"doc_not_found":         "سند موردنظر پیدا نشد.",
		"doc_quarantined":       "سند در قرنطینه است و قابل پردازش نیست.",
		"quarantine_not_found":  "آیتم قرنطینه پیدا نشد.",
		"quarantine_reprocessed": "آیتم قرنطینه دوباره پردازش شد.",
		"queue_overloaded":      "صف پردازش بیش از حد شلوغ است. کمی بعد دوباره تلاش کنید.",
		"queue_backpressure":    "اجرا در شرایط فشار صف پذیرفته شد.",
		"unauthorized":          "عدم احراز هویت.",
		"forbidden":             "دسترسی مجاز نیست.",
		"token_issued":          "توکن دسترسی صادر شد.",
		"rate_limited":          "درخواست‌های بیش از حد مجاز. لطفاً کمی صبر کنید.",
	},
}

// PickLang derives en/fa from an Accept-Language header value, defaulting
// to en for anything absent or unrecognized.
func PickLang(acceptLanguage string) string {
	if acceptLanguage == "" {
		return "en"
	}
	if strings.HasPrefix(strings.ToLower(acceptLanguage), "fa") {
		return "fa"
	}
	return "en"
}

// T looks up key in lang's catalog, falling back to en, and finally to key
// itself if no catalog has it.
func T(key, lang string) string {
	catalog, ok := messages[lang]
	if !ok {
		catalog = messages["en"]
	}
	if msg, ok := catalog[key]; ok {
		return msg
	}
	return key
}
