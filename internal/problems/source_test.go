package problems_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencapa/capa-engine/internal/lifecycle"
	"github.com/opencapa/capa-engine/internal/problems"
)

func writeProblem(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadWithRootSettings(t *testing.T) {
	dir := t.TempDir()
	writeProblem(t, dir, "intro.xml", `<problem max_attempts="3" showanswer="closed"
  rerandomize="per_student" due="2030-06-01T00:00:00Z" graceperiod="30m" waittime="7">
  <stringresponse answer="x"><textline/></stringresponse>
</problem>`)

	src := problems.NewFSSource(dir, lifecycle.Settings{Waittime: 5 * time.Second})
	def, err := src.Load("intro")
	if err != nil {
		t.Fatal(err)
	}
	set := def.Settings
	if set.MaxAttempts == nil || *set.MaxAttempts != 3 {
		t.Errorf("max attempts = %v", set.MaxAttempts)
	}
	if set.ShowAnswer != "closed" || set.Rerandomize != "per_student" {
		t.Errorf("settings = %+v", set)
	}
	if set.Due.IsZero() || set.GracePeriod != 30*time.Minute {
		t.Errorf("due/grace = %v %v", set.Due, set.GracePeriod)
	}
	if set.Waittime != 7*time.Second {
		t.Errorf("waittime override = %v", set.Waittime)
	}
}

func TestLoadDefaultsApply(t *testing.T) {
	dir := t.TempDir()
	writeProblem(t, dir, "plain.xml", `<problem><stringresponse answer="x"><textline/></stringresponse></problem>`)

	src := problems.NewFSSource(dir, lifecycle.Settings{ShowAnswer: "finished", Waittime: 5 * time.Second})
	def, err := src.Load("plain")
	if err != nil {
		t.Fatal(err)
	}
	if def.Settings.ShowAnswer != "finished" || def.Settings.Waittime != 5*time.Second {
		t.Errorf("defaults lost: %+v", def.Settings)
	}
	if def.Settings.MaxAttempts != nil {
		t.Error("max attempts should default to unlimited")
	}
}

func TestLoadRejectsPathEscapes(t *testing.T) {
	src := problems.NewFSSource(t.TempDir(), lifecycle.Settings{})
	for _, id := range []string{"../etc/passwd", "a/b", `a\b`} {
		if _, err := src.Load(id); err == nil {
			t.Errorf("id %q should be rejected", id)
		}
	}
}

func TestResolveInclude(t *testing.T) {
	dir := t.TempDir()
	writeProblem(t, dir, "shared.xml", `<text>shared</text>`)
	src := problems.NewFSSource(dir, lifecycle.Settings{})
	raw, err := src.Resolve("shared.xml")
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `<text>shared</text>` {
		t.Errorf("resolve = %q", raw)
	}
	if _, err := src.Resolve("missing.xml"); err == nil {
		t.Error("missing include should error")
	}
}
