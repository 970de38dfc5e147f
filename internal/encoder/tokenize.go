package encoder

import "strings"

// splitWords splits on whitespace.
func splitWords(text string) []string {
	return strings.Fields(text)
}

// hashString is a deterministic 31-multiplier string hash.
func hashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	if h < 0 {
		h = 0
	}
	return h
}

// tokenize produces BERT-style input ids, attention mask and token type ids
// padded to maxTokens, with hash-derived word ids between [CLS] and [SEP].
func tokenize(text string, maxTokens int) (ids, mask, types []int64) {
	if maxTokens <= 2 {
		maxTokens = 256
	}
	ids = make([]int64, maxTokens)
	mask = make([]int64, maxTokens)
	types = make([]int64, maxTokens)

	ids[0] = 101 // [CLS]
	mask[0] = 1
	pos := 1
	for _, w := range splitWords(text) {
		if pos >= maxTokens-1 {
			break
		}
		ids[pos] = int64(hashString(w)%30000) + 1000
		mask[pos] = 1
		pos++
	}
	ids[pos] = 102 // [SEP]
	mask[pos] = 1
	return ids, mask, types
}
