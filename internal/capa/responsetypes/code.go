package responsetypes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// codeResponse sends submissions to an external grader over xqueue and
// applies the grader's callback when it arrives. Grading a check call only
// enqueues work; the correct map record stays pending (queue key set) until
// UpdateScore claims it.
type codeResponse struct {
	base
	queueName string
	payload   string // raw grader_payload JSON, forwarded verbatim
	points    int    // points per entry at full credit
}

func newCodeResponse(el *xmltree.Node, inputs []*xmltree.Node, env Env) (Response, error) {
	r := &codeResponse{
		base:      base{el: el, inputs: inputs, env: env},
		queueName: el.AttrOr("queuename", env.QueueName),
		points:    attrInt(el, "points", 1),
	}
	if r.queueName == "" {
		return nil, fmt.Errorf("%s: %s has no queue name", el.Attr("id"), el.Tag)
	}
	for _, cp := range el.FindAll("codeparam") {
		for _, gp := range cp.FindAll("grader_payload") {
			r.payload = strings.TrimSpace(gp.Text)
		}
	}
	return r, nil
}

// GetAnswers is empty: the canonical answer lives with the external grader.
func (r *codeResponse) GetAnswers() map[string]string { return map[string]string{} }

func (r *codeResponse) GetMaxScore() int { return len(r.AnswerIDs()) * r.points }

type studentInfo struct {
	AnonymousStudentID string `json:"anonymous_student_id"`
	SubmissionTime     string `json:"submission_time"`
}

type queueBody struct {
	StudentInfo     string          `json:"student_info"`
	StudentResponse string          `json:"student_response"`
	GraderPayload   json.RawMessage `json:"grader_payload"`
	MaxScore        int             `json:"max_score"`
}

func (r *codeResponse) EvaluateAnswers(ctx context.Context, submitted map[string]any, _ *correctmap.CorrectMap) (*correctmap.CorrectMap, error) {
	if r.env.Queue == nil {
		return nil, GradingError{Msg: "external grading is not configured"}
	}
	cmap := correctmap.New()
	for _, id := range r.AnswerIDs() {
		got, ok := submittedString(submitted, id)
		if !ok || strings.TrimSpace(got) == "" {
			cmap.Set(id, correctmap.Record{Correctness: correctmap.Incorrect, Msg: "No answer submitted."})
			continue
		}
		if err := r.validateFiles(id, submitted); err != nil {
			return nil, err
		}
		if err := r.enqueue(ctx, id, got, cmap); err != nil {
			return nil, err
		}
	}
	return cmap, nil
}

func (r *codeResponse) enqueue(ctx context.Context, answerID, value string, cmap *correctmap.CorrectMap) error {
	key := xqueue.MakeHashKey(fmt.Sprintf("%d%s", r.env.Seed, answerID))
	header, err := xqueue.MakeXHeader(r.env.CallbackURL, key, r.queueName)
	if err != nil {
		return GradingError{Msg: fmt.Sprintf("cannot build queue header: %v", err)}
	}
	info, _ := json.Marshal(studentInfo{
		AnonymousStudentID: r.env.AnonymousID,
		SubmissionTime:     time.Now().UTC().Format("20060102150405"),
	})
	payload := r.payload
	if payload == "" {
		payload = "{}"
	}
	body, err := json.Marshal(queueBody{
		StudentInfo:     string(info),
		StudentResponse: value,
		GraderPayload:   json.RawMessage(payload),
		MaxScore:        r.points,
	})
	if err != nil {
		return GradingError{Msg: fmt.Sprintf("cannot build queue body: %v", err)}
	}
	if err := r.env.Queue.SendToQueue(ctx, header, string(body), nil); err != nil {
		return GradingError{Msg: fmt.Sprintf("Unable to deliver your submission to grader (Reason: %v). Please try again later.", err)}
	}
	cmap.Set(answerID, correctmap.Record{
		Msg:   "Submitted. As soon as a response is returned, this message will be replaced by that feedback.",
		Queue: correctmap.QueueState{Key: key, Time: time.Now().Unix()},
	})
	return nil
}

// validateFiles checks filesubmission uploads against the entry's
// allowed_files and required_files attributes (space separated names).
func (r *codeResponse) validateFiles(answerID string, submitted map[string]any) error {
	entry := r.entryByID(answerID)
	if entry == nil || entry.Tag != "filesubmission" {
		return nil
	}
	names := submittedList(submitted, answerID)
	if allowed := strings.Fields(entry.Attr("allowed_files")); len(allowed) > 0 {
		ok := map[string]bool{}
		for _, a := range allowed {
			ok[a] = true
		}
		for _, n := range names {
			if !ok[n] {
				return StudentInputError{Msg: fmt.Sprintf("File %s is not an allowed file", n)}
			}
		}
	}
	have := map[string]bool{}
	for _, n := range names {
		have[n] = true
	}
	for _, req := range strings.Fields(entry.Attr("required_files")) {
		if !have[req] {
			return StudentInputError{Msg: fmt.Sprintf("Required file %s is missing", req)}
		}
	}
	return nil
}

func (r *codeResponse) entryByID(answerID string) *xmltree.Node {
	for _, in := range r.inputs {
		if in.Attr("id") == answerID {
			return in
		}
	}
	return nil
}

// UpdateScore applies a grader callback. It claims the key only when one of
// this response's records is pending on exactly that key; a stale or foreign
// key is left for other responders. Applying the same callback twice is a
// no-op because the first application clears the queue state.
func (r *codeResponse) UpdateScore(scoreMsg string, cmap *correctmap.CorrectMap, queueKey string) (bool, error) {
	queued := cmap.QueuedKeys(queueKey)
	mine := map[string]bool{}
	for _, id := range r.AnswerIDs() {
		mine[id] = true
	}
	var ids []string
	for _, id := range queued {
		if mine[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	sort.Strings(ids)

	result, err := xqueue.ParseGraderResult([]byte(scoreMsg))
	if err != nil {
		return true, fmt.Errorf("grader reply for key %s: %w", queueKey, err)
	}
	for _, id := range ids {
		if !result.Success {
			cmap.Set(id, correctmap.Record{
				Msg: "There was an error grading your submission: " + result.Feedback,
			})
			continue
		}
		frac, err := result.Points()
		if err != nil {
			return true, err
		}
		correctness := correctmap.Incorrect
		if frac >= 1 {
			correctness = correctmap.Correct
		}
		npoints := int(math.Round(frac * float64(r.points)))
		cmap.Set(id, correctmap.Record{
			Correctness: correctness,
			NPoints:     &npoints,
			Msg:         result.Feedback,
		})
	}
	return true, nil
}
