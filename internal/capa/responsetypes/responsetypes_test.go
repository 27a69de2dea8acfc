package responsetypes_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/opencapa/capa-engine/internal/capa/correctmap"
	"github.com/opencapa/capa-engine/internal/capa/responsetypes"
	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/xqueue"
)

// build parses markup, locates the response element and its entries by their
// id attributes, and instantiates the registered kind.
func build(t *testing.T, markup string, env responsetypes.Env) responsetypes.Response {
	t.Helper()
	root, err := xmltree.Parse(markup)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	el := root
	if root.Tag == "problem" {
		if len(root.Children) == 0 {
			t.Fatal("no response element")
		}
		el = root.Children[0]
	}
	var inputs []*xmltree.Node
	el.Walk(func(n *xmltree.Node) {
		if n != el && n.HasAttr("id") && !strings.Contains(n.Tag, "response") {
			inputs = append(inputs, n)
		}
	})
	ctor, ok := responsetypes.Lookup(el.Tag)
	if !ok {
		t.Fatalf("no constructor for %q", el.Tag)
	}
	r, err := ctor(el, inputs, env)
	if err != nil {
		t.Fatalf("construct %s: %v", el.Tag, err)
	}
	return r
}

func grade(t *testing.T, r responsetypes.Response, submitted map[string]any) *correctmap.CorrectMap {
	t.Helper()
	cmap, err := r.EvaluateAnswers(context.Background(), submitted, nil)
	if err != nil {
		t.Fatalf("EvaluateAnswers: %v", err)
	}
	return cmap
}

const checkboxMarkup = `<choiceresponse id="p_1">
  <checkboxgroup id="p_1_2_1">
    <choice correct="true" name="choice_A">alpha</choice>
    <choice correct="false" name="choice_B">beta</choice>
    <choice correct="true" name="choice_C">gamma</choice>
  </checkboxgroup>
</choiceresponse>`

func TestChoiceResponseSetEquality(t *testing.T) {
	r := build(t, checkboxMarkup, responsetypes.Env{})
	cases := []struct {
		name    string
		picked  []string
		correct bool
	}{
		{"exact set", []string{"choice_A", "choice_C"}, true},
		{"order ignored", []string{"choice_C", "choice_A"}, true},
		{"subset", []string{"choice_A"}, false},
		{"superset", []string{"choice_A", "choice_B", "choice_C"}, false},
		{"wrong pick", []string{"choice_B"}, false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmap := grade(t, r, map[string]any{"p_1_2_1": tc.picked})
			if got := cmap.IsCorrect("p_1_2_1"); got != tc.correct {
				t.Errorf("picked %v: correct = %v, want %v", tc.picked, got, tc.correct)
			}
		})
	}
}

func TestChoiceResponseRequiresCorrectChoice(t *testing.T) {
	markup := `<multiplechoiceresponse id="p_1">
  <choicegroup id="p_1_2_1">
    <choice correct="false" name="choice_A">a</choice>
  </choicegroup>
</multiplechoiceresponse>`
	root, err := xmltree.Parse(markup)
	if err != nil {
		t.Fatal(err)
	}
	ctor, _ := responsetypes.Lookup("multiplechoiceresponse")
	if _, err := ctor(root, root.FindAll("choicegroup"), responsetypes.Env{}); err == nil {
		t.Fatal("want error for response with no correct choice")
	}
}

func TestChoiceResponseHint(t *testing.T) {
	markup := `<choiceresponse id="p_1">
  <checkboxgroup id="p_1_2_1">
    <choice correct="true" name="choice_A">a</choice>
    <hintgroup mode="always">Think about units.</hintgroup>
  </checkboxgroup>
</choiceresponse>`
	r := build(t, markup, responsetypes.Env{})
	cmap := grade(t, r, map[string]any{"p_1_2_1": []string{"choice_A"}})
	if cmap.Hint("p_1_2_1") != "Think about units." {
		t.Errorf("hint = %q", cmap.Hint("p_1_2_1"))
	}
	if cmap.HintMode("p_1_2_1") != correctmap.HintAlways {
		t.Errorf("hint mode = %q", cmap.HintMode("p_1_2_1"))
	}
}

func TestOptionResponse(t *testing.T) {
	markup := `<optionresponse id="p_2">
  <optioninput id="p_2_2_1" options="('yes','no')" correct="yes"/>
</optionresponse>`
	r := build(t, markup, responsetypes.Env{})
	if got := r.GetAnswers()["p_2_2_1"]; got != "yes" {
		t.Fatalf("GetAnswers = %q, want yes", got)
	}
	if cmap := grade(t, r, map[string]any{"p_2_2_1": "yes"}); !cmap.IsCorrect("p_2_2_1") {
		t.Error("exact match should be correct")
	}
	if cmap := grade(t, r, map[string]any{"p_2_2_1": "no"}); cmap.IsCorrect("p_2_2_1") {
		t.Error("wrong option should be incorrect")
	}
	if cmap := grade(t, r, map[string]any{}); cmap.IsCorrect("p_2_2_1") {
		t.Error("missing value should be incorrect")
	}
}

func TestStringResponseCaseSensitivity(t *testing.T) {
	ci := build(t, `<stringresponse id="p_3" answer="Michigan" type="ci"><textline id="p_3_2_1"/></stringresponse>`, responsetypes.Env{})
	cs := build(t, `<stringresponse id="p_3" answer="Michigan"><textline id="p_3_2_1"/></stringresponse>`, responsetypes.Env{})

	if cmap := grade(t, ci, map[string]any{"p_3_2_1": "michigan"}); !cmap.IsCorrect("p_3_2_1") {
		t.Error("ci compare should accept michigan")
	}
	if cmap := grade(t, cs, map[string]any{"p_3_2_1": "michigan"}); cmap.IsCorrect("p_3_2_1") {
		t.Error("cs compare should reject michigan")
	}
	if cmap := grade(t, cs, map[string]any{"p_3_2_1": "Michigan"}); !cmap.IsCorrect("p_3_2_1") {
		t.Error("exact match should be correct")
	}
}

const numericalMarkup = `<numericalresponse id="p_4" answer="100">
  <responseparam type="tolerance" default="5%"/>
  <textline id="p_4_2_1"/>
</numericalresponse>`

func TestNumericalResponseTolerance(t *testing.T) {
	r := build(t, numericalMarkup, responsetypes.Env{})
	cases := []struct {
		in      string
		correct bool
	}{
		{"100", true},
		{"104", true},
		{"96", true},
		{"106", false},
		{"1e2", true},
		{"0.1k", true},
	}
	for _, tc := range cases {
		cmap := grade(t, r, map[string]any{"p_4_2_1": tc.in})
		if got := cmap.IsCorrect("p_4_2_1"); got != tc.correct {
			t.Errorf("%q: correct = %v, want %v", tc.in, got, tc.correct)
		}
	}
}

func TestNumericalResponseBadInput(t *testing.T) {
	r := build(t, numericalMarkup, responsetypes.Env{})
	_, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_4_2_1": "not a number"}, nil)
	var sie responsetypes.StudentInputError
	if !errors.As(err, &sie) {
		t.Fatalf("want StudentInputError, got %v", err)
	}
}

func TestNumericalResponseBlankIsIncorrect(t *testing.T) {
	r := build(t, numericalMarkup, responsetypes.Env{})
	cmap := grade(t, r, map[string]any{"p_4_2_1": ""})
	if cmap.Correctness("p_4_2_1") != correctmap.Incorrect {
		t.Errorf("blank answer = %q, want incorrect", cmap.Correctness("p_4_2_1"))
	}
}

const formulaMarkup = `<formularesponse id="p_5" answer="x^2 + 2*x + 1" samples="x@-10:10#20" type="ci">
  <responseparam type="tolerance" default="0.001%"/>
  <textline id="p_5_2_1"/>
</formularesponse>`

func TestFormulaResponseSampling(t *testing.T) {
	r := build(t, formulaMarkup, responsetypes.Env{Seed: 42})
	cases := []struct {
		in      string
		correct bool
	}{
		{"(x+1)^2", true},
		{"(x+1)*(x+1)", true},
		{"X^2 + 2*X + 1", true}, // ci
		{"x^2 + 2*x", false},
		{"x^2 + 2*x + 1.001", false},
	}
	for _, tc := range cases {
		cmap := grade(t, r, map[string]any{"p_5_2_1": tc.in})
		if got := cmap.IsCorrect("p_5_2_1"); got != tc.correct {
			t.Errorf("%q: correct = %v, want %v", tc.in, got, tc.correct)
		}
	}
}

func TestFormulaResponseBadStudentFormula(t *testing.T) {
	r := build(t, formulaMarkup, responsetypes.Env{Seed: 42})
	_, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_5_2_1": "2x + ("}, nil)
	var sie responsetypes.StudentInputError
	if !errors.As(err, &sie) {
		t.Fatalf("want StudentInputError, got %v", err)
	}
}

func TestCustomResponseChecker(t *testing.T) {
	markup := `<customresponse id="p_6" expect="4">
  <textline id="p_6_2_1"/>
  <answer>1 - abs(submitted - expect)/2</answer>
</customresponse>`
	r := build(t, markup, responsetypes.Env{})
	if cmap := grade(t, r, map[string]any{"p_6_2_1": "4"}); !cmap.IsCorrect("p_6_2_1") {
		t.Error("submitted == expect should be correct")
	}
	if cmap := grade(t, r, map[string]any{"p_6_2_1": "7"}); cmap.IsCorrect("p_6_2_1") {
		t.Error("submitted far from expect should be incorrect")
	}
	if got := r.GetAnswers()["p_6_2_1"]; got != "4" {
		t.Errorf("GetAnswers = %q, want 4", got)
	}
}

func TestCustomResponseCheckerError(t *testing.T) {
	markup := `<customresponse id="p_6">
  <textline id="p_6_2_1"/>
  <answer>nosuchfunc(submitted)</answer>
</customresponse>`
	r := build(t, markup, responsetypes.Env{})
	_, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_6_2_1": "1"}, nil)
	var ge responsetypes.GradingError
	if !errors.As(err, &ge) {
		t.Fatalf("want GradingError, got %v", err)
	}
}

// fakeQueue records submissions without a network.
type fakeQueue struct {
	headers []string
	bodies  []string
	err     error
}

func (f *fakeQueue) SendToQueue(_ context.Context, header, body string, _ map[string][]byte) error {
	if f.err != nil {
		return f.err
	}
	f.headers = append(f.headers, header)
	f.bodies = append(f.bodies, body)
	return nil
}

const codeMarkup = `<coderesponse id="p_7" queuename="test-pull" points="10">
  <textbox id="p_7_2_1"/>
  <codeparam>
    <grader_payload>{"lang": "python"}</grader_payload>
  </codeparam>
</coderesponse>`

func buildCode(t *testing.T, q xqueue.Submitter) responsetypes.Response {
	t.Helper()
	return build(t, codeMarkup, responsetypes.Env{
		Seed:        99,
		Queue:       q,
		QueueName:   "default",
		CallbackURL: "http://lms.example.com/xqueue_callback/c1/u1/p1",
		AnonymousID: "anon-1",
	})
}

func TestCodeResponseEnqueue(t *testing.T) {
	q := &fakeQueue{}
	r := buildCode(t, q)
	cmap := grade(t, r, map[string]any{"p_7_2_1": "print('hi')"})

	if len(q.headers) != 1 {
		t.Fatalf("submissions = %d, want 1", len(q.headers))
	}
	var h xqueue.Header
	if err := json.Unmarshal([]byte(q.headers[0]), &h); err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.QueueName != "test-pull" {
		t.Errorf("queue name = %q, want test-pull", h.QueueName)
	}
	if h.LMSKey == "" {
		t.Error("header has no lms_key")
	}
	var body struct {
		StudentResponse string          `json:"student_response"`
		GraderPayload   json.RawMessage `json:"grader_payload"`
		MaxScore        int             `json:"max_score"`
	}
	if err := json.Unmarshal([]byte(q.bodies[0]), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.StudentResponse != "print('hi')" {
		t.Errorf("student_response = %q", body.StudentResponse)
	}
	if body.MaxScore != 10 {
		t.Errorf("max_score = %d, want 10", body.MaxScore)
	}
	rec, ok := cmap.Get("p_7_2_1")
	if !ok || rec.Queue.IsZero() {
		t.Fatal("record should be pending on a queue key")
	}
	if rec.Queue.Key != h.LMSKey {
		t.Error("record key should match header lms_key")
	}
	if ms, ok := r.(responsetypes.MaxScorer); !ok || ms.GetMaxScore() != 10 {
		t.Error("GetMaxScore should be 10")
	}
}

func TestCodeResponseQueueUnavailable(t *testing.T) {
	q := &fakeQueue{err: errors.New("connection refused")}
	r := buildCode(t, q)
	_, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_7_2_1": "x"}, nil)
	var ge responsetypes.GradingError
	if !errors.As(err, &ge) {
		t.Fatalf("want GradingError, got %v", err)
	}
}

func graderReply(t *testing.T, score any, success bool, feedback string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"score":    score,
		"success":  success,
		"feedback": feedback,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestCodeResponseUpdateScore(t *testing.T) {
	q := &fakeQueue{}
	r := buildCode(t, q)
	cmap := grade(t, r, map[string]any{"p_7_2_1": "print('hi')"})
	rec, _ := cmap.Get("p_7_2_1")
	key := rec.Queue.Key

	au := r.(responsetypes.AsyncUpdater)

	claimed, err := au.UpdateScore(graderReply(t, 1.0, true, "All tests passed"), cmap, "some-other-key")
	if err != nil || claimed {
		t.Fatalf("foreign key: claimed=%v err=%v, want false nil", claimed, err)
	}

	claimed, err = au.UpdateScore(graderReply(t, 1.0, true, "All tests passed"), cmap, key)
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v, want true nil", claimed, err)
	}
	if !cmap.IsCorrect("p_7_2_1") {
		t.Error("full score should be correct")
	}
	if got := cmap.NPoints("p_7_2_1"); got != 10 {
		t.Errorf("npoints = %d, want 10", got)
	}
	if cmap.Msg("p_7_2_1") != "All tests passed" {
		t.Errorf("msg = %q", cmap.Msg("p_7_2_1"))
	}
	if cmap.IsQueued("p_7_2_1") {
		t.Error("queue state should be cleared after the result applies")
	}

	// the key is single use: replaying the callback changes nothing
	claimed, err = au.UpdateScore(graderReply(t, 0.0, true, "replayed"), cmap, key)
	if err != nil || claimed {
		t.Fatalf("replay: claimed=%v err=%v, want false nil", claimed, err)
	}
	if !cmap.IsCorrect("p_7_2_1") || cmap.Msg("p_7_2_1") != "All tests passed" {
		t.Error("replayed callback must not alter the record")
	}
}

func TestCodeResponsePartialCredit(t *testing.T) {
	q := &fakeQueue{}
	r := buildCode(t, q)
	cmap := grade(t, r, map[string]any{"p_7_2_1": "x"})
	rec, _ := cmap.Get("p_7_2_1")

	au := r.(responsetypes.AsyncUpdater)
	if _, err := au.UpdateScore(graderReply(t, 0.5, true, "half"), cmap, rec.Queue.Key); err != nil {
		t.Fatal(err)
	}
	if cmap.IsCorrect("p_7_2_1") {
		t.Error("partial credit is not correct")
	}
	if got := cmap.NPoints("p_7_2_1"); got != 0 {
		t.Errorf("incorrect entries earn 0 points, got %d", got)
	}
	if cmap.Correctness("p_7_2_1") != correctmap.Incorrect {
		t.Errorf("correctness = %q", cmap.Correctness("p_7_2_1"))
	}
}

func TestCodeResponseGraderFailure(t *testing.T) {
	q := &fakeQueue{}
	r := buildCode(t, q)
	cmap := grade(t, r, map[string]any{"p_7_2_1": "x"})
	rec, _ := cmap.Get("p_7_2_1")

	au := r.(responsetypes.AsyncUpdater)
	claimed, err := au.UpdateScore(graderReply(t, 0, false, "sandbox crashed"), cmap, rec.Queue.Key)
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}
	if cmap.Correctness("p_7_2_1") != "" {
		t.Error("failed grading must not assign a correctness")
	}
	if !strings.Contains(cmap.Msg("p_7_2_1"), "sandbox crashed") {
		t.Errorf("msg = %q", cmap.Msg("p_7_2_1"))
	}
}

func TestCodeResponseMalformedReply(t *testing.T) {
	q := &fakeQueue{}
	r := buildCode(t, q)
	cmap := grade(t, r, map[string]any{"p_7_2_1": "x"})
	rec, _ := cmap.Get("p_7_2_1")

	au := r.(responsetypes.AsyncUpdater)
	claimed, err := au.UpdateScore(`{"score": []}`, cmap, rec.Queue.Key)
	if !claimed || err == nil {
		t.Fatalf("claimed=%v err=%v, want true and an error", claimed, err)
	}
	if !cmap.IsQueued("p_7_2_1") {
		t.Error("malformed reply must leave the entry pending")
	}
}

func TestFileSubmissionValidation(t *testing.T) {
	markup := `<filesubmissionresponse id="p_8" queuename="files">
  <filesubmission id="p_8_2_1" allowed_files="main.py util.py" required_files="main.py"/>
</filesubmissionresponse>`
	q := &fakeQueue{}
	env := responsetypes.Env{Queue: q, CallbackURL: "http://lms/cb"}
	r := build(t, markup, env)

	if _, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_8_2_1": []string{"main.py", "util.py"}}, nil); err != nil {
		t.Fatalf("allowed files: %v", err)
	}

	var sie responsetypes.StudentInputError
	_, err := r.EvaluateAnswers(context.Background(), map[string]any{"p_8_2_1": []string{"main.py", "evil.sh"}}, nil)
	if !errors.As(err, &sie) {
		t.Fatalf("disallowed file: want StudentInputError, got %v", err)
	}
	_, err = r.EvaluateAnswers(context.Background(), map[string]any{"p_8_2_1": []string{"util.py"}}, nil)
	if !errors.As(err, &sie) {
		t.Fatalf("missing required file: want StudentInputError, got %v", err)
	}
}

func TestRegistryCoversSpecTags(t *testing.T) {
	want := []string{
		"choiceresponse", "coderesponse", "customresponse",
		"filesubmissionresponse", "formularesponse", "multiplechoiceresponse",
		"numericalresponse", "optionresponse", "stringresponse",
		"truefalseresponse",
	}
	got := responsetypes.Tags()
	if len(got) != len(want) {
		t.Fatalf("tags = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tags = %v, want %v", got, want)
		}
	}
}
