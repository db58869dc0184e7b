package cluster

import (
	"sort"
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "today": {}, "now": {}, "new": {}, "is": {}, "of": {},
	"for": {}, "to": {}, "and": {}, "with": {}, "in": {}, "on": {}, "its": {}, "available": {}, "out": {},
}

// Глаголы анонса сводятся к одной форме, иначе "releases" и "ships" считаются разными токенами.
var canonicalVerbs = map[string]string{
	"release":    "release",
	"releases":   "release",
	"released":   "release",
	"ship":       "release",
	"ships":      "release",
	"shipped":    "release",
	"launch":     "release",
	"launches":   "release",
	"launched":   "release",
	"introduce":  "release",
	"introduces": "release",
	"introduced": "release",
	"announce":   "release",
	"announces":  "release",
	"announced":  "release",
	"unveil":     "release",
	"unveils":    "release",
	"unveiled":   "release",
}

// Tokens возвращает отсортированный набор нормализованных токенов заголовка.
func Tokens(title string) []string {
	fields := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if canon, ok := canonicalVerbs[f]; ok {
			f = canon
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		set[f] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Similarity считает коэффициент Дайса по наборам токенов, от 0 до 1.
func Similarity(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	i, j := 0, 0
	for i < len(ta) && j < len(tb) {
		switch {
		case ta[i] == tb[j]:
			common++
			i++
			j++
		case ta[i] < tb[j]:
			i++
		default:
			j++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}
