// Package correctmap stores graded responses for CAPA problems.
//
// A CorrectMap maps an answer id to the evaluation result for that entry:
// correctness, awarded points, feedback message, hint, hint mode, and the
// opaque queue state for asynchronously graded entries.
package correctmap

import (
	"encoding/json"
	"time"
)

const (
	Correct   = "correct"
	Incorrect = "incorrect"
)

const (
	HintOnRequest = "on_request"
	HintAlways    = "always"
)

// QueueState tracks an outstanding external-grader submission for one
// answer id. A zero QueueState means the entry is not queued.
type QueueState struct {
	Key  string `json:"key,omitempty"`
	Time int64  `json:"time,omitempty"` // unix seconds of submission
}

func (q QueueState) IsZero() bool { return q.Key == "" }

// Record is the grading outcome for a single answer id.
type Record struct {
	Correctness string     `json:"correctness,omitempty"`
	NPoints     *int       `json:"npoints,omitempty"` // nil: default 1 point when correct
	Msg         string     `json:"msg,omitempty"`
	Hint        string     `json:"hint,omitempty"`
	HintMode    string     `json:"hintmode,omitempty"`
	Queue       QueueState `json:"queuestate,omitempty"`
}

// CorrectMap maps answer ids to grading records.
type CorrectMap struct {
	cmap map[string]Record
}

func New() *CorrectMap {
	return &CorrectMap{cmap: map[string]Record{}}
}

// Set records the outcome for answerID, replacing any prior record.
func (c *CorrectMap) Set(answerID string, rec Record) {
	if answerID == "" {
		return
	}
	c.cmap[answerID] = rec
}

func (c *CorrectMap) Get(answerID string) (Record, bool) {
	rec, ok := c.cmap[answerID]
	return rec, ok
}

func (c *CorrectMap) Has(answerID string) bool {
	_, ok := c.cmap[answerID]
	return ok
}

func (c *CorrectMap) Len() int { return len(c.cmap) }

// AnswerIDs returns all graded answer ids, in map order.
func (c *CorrectMap) AnswerIDs() []string {
	out := make([]string, 0, len(c.cmap))
	for k := range c.cmap {
		out = append(out, k)
	}
	return out
}

func (c *CorrectMap) IsCorrect(answerID string) bool {
	rec, ok := c.cmap[answerID]
	return ok && rec.Correctness == Correct
}

// NPoints returns the points awarded for answerID: the explicit npoints if
// set, 1 if correct without an explicit value, 0 otherwise.
func (c *CorrectMap) NPoints(answerID string) int {
	rec, ok := c.cmap[answerID]
	if !ok || rec.Correctness != Correct {
		return 0
	}
	if rec.NPoints != nil && *rec.NPoints > 0 {
		return *rec.NPoints
	}
	return 1
}

func (c *CorrectMap) Correctness(answerID string) string {
	return c.cmap[answerID].Correctness
}

func (c *CorrectMap) Msg(answerID string) string  { return c.cmap[answerID].Msg }
func (c *CorrectMap) Hint(answerID string) string { return c.cmap[answerID].Hint }
func (c *CorrectMap) HintMode(answerID string) string {
	return c.cmap[answerID].HintMode
}

// SetHintAndMode updates just the hint fields of an existing record,
// creating the record if needed.
func (c *CorrectMap) SetHintAndMode(answerID, hint, mode string) {
	rec := c.cmap[answerID]
	rec.Hint = hint
	rec.HintMode = mode
	c.cmap[answerID] = rec
}

// IsQueued reports whether answerID has an outstanding queue submission.
func (c *CorrectMap) IsQueued(answerID string) bool {
	return !c.cmap[answerID].Queue.IsZero()
}

// AnyQueued reports whether any entry has an outstanding queue submission.
func (c *CorrectMap) AnyQueued() bool {
	for _, rec := range c.cmap {
		if !rec.Queue.IsZero() {
			return true
		}
	}
	return false
}

// QueuedKeys returns the answer ids whose pending submission carries key.
func (c *CorrectMap) QueuedKeys(key string) []string {
	var out []string
	for id, rec := range c.cmap {
		if rec.Queue.Key == key {
			out = append(out, id)
		}
	}
	return out
}

// RecentmostQueueTime returns the newest pending-submission time, or the
// zero time when nothing is queued.
func (c *CorrectMap) RecentmostQueueTime() time.Time {
	var newest int64
	for _, rec := range c.cmap {
		if !rec.Queue.IsZero() && rec.Queue.Time > newest {
			newest = rec.Queue.Time
		}
	}
	if newest == 0 {
		return time.Time{}
	}
	return time.Unix(newest, 0)
}

// Update merges other into c, replacing records key by key.
func (c *CorrectMap) Update(other *CorrectMap) {
	if other == nil {
		return
	}
	for k, v := range other.cmap {
		c.cmap[k] = v
	}
}

// MarshalJSON serializes the map as a plain answer-id keyed object, the
// shape persisted in problem state.
func (c *CorrectMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.cmap)
}

// UnmarshalJSON accepts both the record form and the legacy one-level form
// {"answer_id": "correct"} still found in old persisted state.
func (c *CorrectMap) UnmarshalJSON(data []byte) error {
	c.cmap = map[string]Record{}
	var full map[string]Record
	if err := json.Unmarshal(data, &full); err == nil {
		c.cmap = full
		return nil
	}
	var legacy map[string]string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	for k, v := range legacy {
		c.cmap[k] = Record{Correctness: v}
	}
	return nil
}
