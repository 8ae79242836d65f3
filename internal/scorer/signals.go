package scorer

import "strings"

// ungroundedRatio estimates hallucination as the share of content terms
// in the model output that appear in neither the rendered input nor the
// expected output. It is a cheap lexical proxy, not a truth check, but
// it moves in the right direction: output stuffed with novel entities
// scores high, faithful restatement scores low.
func ungroundedRatio(userInput, expected, actual string) float64 {
	grounded := make(map[string]struct{})
	for _, t := range contentTerms(userInput) {
		grounded[t] = struct{}{}
	}
	for _, t := range contentTerms(expected) {
		grounded[t] = struct{}{}
	}

	terms := contentTerms(actual)
	if len(terms) == 0 {
		return 0
	}

	var novel int
	for _, t := range terms {
		if _, ok := grounded[t]; !ok {
			novel++
		}
	}
	return float64(novel) / float64(len(terms))
}

// contentTerms lowercases and splits text into terms, dropping anything
// too short to carry meaning.
func contentTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	terms := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
