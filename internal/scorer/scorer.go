// Package scorer grades model output against a golden expectation.
// Scores and auxiliary signals are floats in [0,1].
package scorer

import (
	"context"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Result is one graded output.
type Result struct {
	Score         float64 `json:"score"`          // closeness to the expected output
	Reason        string  `json:"reason"`         // short human explanation
	Hallucination float64 `json:"hallucination"`  // share of output ungrounded in input or expectation
}

// Scorer grades one model output. The userInput is the rendered prompt
// the model saw; expected is the golden answer; actual is what came back.
type Scorer interface {
	Score(ctx context.Context, userInput, expected, actual string) (Result, error)
}

// Similarity scores by edit distance between expected and actual text.
type Similarity struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

func NewSimilarity() *Similarity {
	return &Similarity{dmp: diffmatchpatch.New()}
}

// Score implements Scorer. The score is 1 - levenshtein/maxlen, so
// identical strings score 1 and fully disjoint strings approach 0.
func (s *Similarity) Score(_ context.Context, userInput, expected, actual string) (Result, error) {
	score := s.ratio(expected, actual)

	return Result{
		Score:         score,
		Reason:        fmt.Sprintf("edit similarity %.2f against expected output", score),
		Hallucination: ungroundedRatio(userInput, expected, actual),
	}, nil
}

func (s *Similarity) ratio(expected, actual string) float64 {
	if expected == actual {
		return 1
	}
	longest := max(len([]rune(expected)), len([]rune(actual)))
	if longest == 0 {
		return 1
	}

	diffs := s.dmp.DiffMain(expected, actual, false)
	distance := s.dmp.DiffLevenshtein(diffs)

	score := 1 - float64(distance)/float64(longest)
	if score < 0 {
		score = 0
	}
	return score
}
