package utils

import (
	"strings"

	"golang.org/x/text/language"
)

// DetermineLocale resolves a locale to use based on explicit query param, Accept-Language header,
// supported locales, and a default fallback. Supported values should be normalized like "en", "zh".
func DetermineLocale(queryLang, acceptLang string, supported []string, def string) string {
	names := make([]string, 0, len(supported))
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		t, err := language.Parse(s)
		if err != nil {
			continue
		}
		names = append(names, strings.ToLower(s))
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		return "en"
	}
	matcher := language.NewMatcher(tags)
	pick := func(prefs ...language.Tag) (string, bool) {
		if len(prefs) == 0 {
			return "", false
		}
		_, idx, conf := matcher.Match(prefs...)
		if conf == language.No {
			return "", false
		}
		return names[idx], true
	}

	if queryLang != "" {
		if t, err := language.Parse(queryLang); err == nil {
			if v, ok := pick(t); ok {
				return v
			}
		}
	}
	// ParseAcceptLanguage returns tags ordered by q-value.
	if prefs, _, err := language.ParseAcceptLanguage(acceptLang); err == nil {
		if v, ok := pick(prefs...); ok {
			return v
		}
	}
	def = strings.ToLower(def)
	for _, n := range names {
		if n == def {
			return n
		}
	}
	return names[0]
}
