package memory

import (
	"sort"
	"strings"
	"unicode"
)

// 检索采用词项重叠：查询词中有多少比例出现在事实的 key 或 value 中。
// 完全匹配 key 得 2 分，key 与查询互为子串得 1 分，其余按重叠比例计分，
// 低于 minScore 的结果不返回。
const minScore = 0.5

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"on": true, "in": true, "at": true, "of": true, "to": true, "for": true,
	"my": true, "our": true, "what": true, "which": true, "and": true, "or": true,
	"it": true, "its": true, "be": true, "do": true, "does": true, "with": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

func stem(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return word[:len(word)-1]
	}
	return word
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// score 计算 query 与事实的相关度。
func score(query string, fact Fact) float64 {
	q := normalize(query)
	key := normalize(fact.Key)
	if q == "" {
		return 0
	}
	if q == key {
		return 2
	}
	if strings.Contains(key, q) || (key != "" && strings.Contains(q, key)) {
		return 1
	}

	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	factTokens := make(map[string]bool)
	for _, t := range tokenize(fact.Key + " " + fact.Value) {
		factTokens[t] = true
	}
	hits := 0
	for _, t := range qTokens {
		if factTokens[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(qTokens))
}

// Rank 对事实按相关度排序并截取前 limit 条。query 为空时按更新时间倒序返回全部。
func Rank(facts []Fact, query string, limit int) []Match {
	matches := make([]Match, 0, len(facts))
	if strings.TrimSpace(query) == "" {
		for _, f := range facts {
			matches = append(matches, Match{Fact: f, Score: 1})
		}
	} else {
		for _, f := range facts {
			if s := score(query, f); s >= minScore {
				matches = append(matches, Match{Fact: f, Score: s})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}
