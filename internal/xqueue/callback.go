package xqueue

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CallbackBody is the asynchronous delivery posted to the LMS callback URL:
// the original header echoed back plus the grader's JSON result.
type CallbackBody struct {
	XQueueHeader string `json:"xqueue_header"`
	XQueueBody   string `json:"xqueue_body"`
}

// QueueKey extracts the lms_key capability token from the echoed header.
func (c CallbackBody) QueueKey() (string, error) {
	var h Header
	if err := json.Unmarshal([]byte(c.XQueueHeader), &h); err != nil {
		return "", fmt.Errorf("bad xqueue_header: %w", err)
	}
	if h.LMSKey == "" {
		return "", fmt.Errorf("xqueue_header has no lms_key")
	}
	return h.LMSKey, nil
}

// GraderResult is the minimum contract for a grader's reply body. Score may
// arrive as a scalar or, for aggregated multi-grader results, a list.
type GraderResult struct {
	Score        scoreValue `json:"score"`
	Feedback     string     `json:"feedback"`
	GraderType   string     `json:"grader_type"`
	Success      bool       `json:"success"`
	GraderID     string     `json:"grader_id"`
	SubmissionID string     `json:"submission_id"`
}

// Points resolves the score to a single value: the scalar itself, or the
// median for a list. An empty list is a malformed reply, not a zero score.
func (g GraderResult) Points() (float64, error) {
	return g.Score.resolve()
}

// ParseGraderResult decodes and validates a grader reply body.
func ParseGraderResult(raw []byte) (GraderResult, error) {
	var g GraderResult
	if err := json.Unmarshal(raw, &g); err != nil {
		return GraderResult{}, fmt.Errorf("bad grader reply: %w", err)
	}
	if _, err := g.Points(); err != nil {
		return GraderResult{}, err
	}
	return g, nil
}

type scoreValue struct {
	values []float64
	scalar bool
}

func (s *scoreValue) UnmarshalJSON(data []byte) error {
	var one float64
	if err := json.Unmarshal(data, &one); err == nil {
		s.values = []float64{one}
		s.scalar = true
		return nil
	}
	var many []float64
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("score must be a number or list of numbers")
	}
	s.values = many
	return nil
}

func (s scoreValue) MarshalJSON() ([]byte, error) {
	if s.scalar && len(s.values) == 1 {
		return json.Marshal(s.values[0])
	}
	return json.Marshal(s.values)
}

func (s scoreValue) resolve() (float64, error) {
	if len(s.values) == 0 {
		return 0, fmt.Errorf("grader reply has an empty score list")
	}
	if len(s.values) == 1 {
		return s.values[0], nil
	}
	sorted := append([]float64(nil), s.values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], nil
	}
	return (sorted[mid-1] + sorted[mid]) / 2, nil
}
