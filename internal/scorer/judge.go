package scorer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"prompt-ops/internal/gateway"
)

const judgeTemplate = `You are grading a model answer.
Question (as shown to the model):
%s

Reference answer:
%s

Model answer:
%s

Reply with a single number between 0.0 and 1.0: how close the model
answer is to the reference answer.`

// Judge scores through a secondary model call. It keeps a Similarity
// scorer as fallback: when the judge model fails or returns something
// unparseable, grading degrades rather than aborting the example.
type Judge struct {
	client   gateway.Client
	model    string
	fallback *Similarity
}

func NewJudge(client gateway.Client, model string) *Judge {
	return &Judge{
		client:   client,
		model:    model,
		fallback: NewSimilarity(),
	}
}

// Score implements Scorer.
func (j *Judge) Score(ctx context.Context, userInput, expected, actual string) (Result, error) {
	prompt := fmt.Sprintf(judgeTemplate, userInput, expected, actual)

	resp, err := j.client.Generate(ctx, gateway.GenerationRequest{
		Prompt: prompt,
		Model:  j.model,
	})
	if err != nil {
		log.Warn().Err(err).Msg("judge call failed, falling back to similarity")
		return j.fallback.Score(ctx, userInput, expected, actual)
	}

	score, ok := parseScore(resp.Text)
	if !ok {
		log.Warn().Str("judge_output", resp.Text).Msg("unparseable judge verdict, falling back to similarity")
		return j.fallback.Score(ctx, userInput, expected, actual)
	}

	return Result{
		Score:         score,
		Reason:        fmt.Sprintf("judged %.2f by %s", score, j.model),
		Hallucination: ungroundedRatio(userInput, expected, actual),
	}, nil
}

// parseScore extracts the first float in [0,1] from the judge's reply.
func parseScore(text string) (float64, bool) {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, ".,;:()[]")
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			continue
		}
		if v >= 0 && v <= 1 {
			return v, true
		}
	}
	return 0, false
}
