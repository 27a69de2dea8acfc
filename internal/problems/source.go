// Package problems loads problem definitions: the XML markup plus the
// policy settings carried as attributes on the root element.
package problems

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opencapa/capa-engine/internal/capa/xmltree"
	"github.com/opencapa/capa-engine/internal/lifecycle"
)

// Definition is one loadable problem.
type Definition struct {
	Markup   string
	Settings lifecycle.Settings
}

// Source resolves problem ids to definitions.
type Source interface {
	Load(problemID string) (Definition, error)
}

// FSSource reads {Dir}/{problemID}.xml. It doubles as the include resolver
// for <include file="..."/> references relative to the same directory.
type FSSource struct {
	Dir string
	// Defaults seed every problem's settings; root attributes override.
	Defaults lifecycle.Settings
}

func NewFSSource(dir string, defaults lifecycle.Settings) *FSSource {
	return &FSSource{Dir: dir, Defaults: defaults}
}

func (s *FSSource) Load(problemID string) (Definition, error) {
	raw, err := s.read(problemID + ".xml")
	if err != nil {
		return Definition{}, err
	}
	def := Definition{Markup: string(raw), Settings: s.Defaults}
	if err := applyRootSettings(&def); err != nil {
		return Definition{}, fmt.Errorf("problem %s: %w", problemID, err)
	}
	return def, nil
}

// Resolve implements capa.Resolver for includes.
func (s *FSSource) Resolve(name string) ([]byte, error) {
	return s.read(name)
}

func (s *FSSource) read(name string) ([]byte, error) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("illegal resource name %q", name)
	}
	raw, err := os.ReadFile(filepath.Join(s.Dir, name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return raw, nil
}

// applyRootSettings reads policy attributes from the <problem> element:
// max_attempts, showanswer, rerandomize, due (RFC 3339), graceperiod (Go
// duration), force_save_button, waittime (seconds).
func applyRootSettings(def *Definition) error {
	// settings parsing must not depend on the body being valid; a broken
	// body still renders as the error document with default policy
	root, err := xmltree.Parse(def.Markup)
	if err != nil {
		return nil
	}
	set := &def.Settings
	if v := root.Attr("max_attempts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("bad max_attempts %q", v)
		}
		set.MaxAttempts = &n
	}
	if v := root.Attr("showanswer"); v != "" {
		set.ShowAnswer = v
	}
	if v := root.Attr("rerandomize"); v != "" {
		set.Rerandomize = v
	}
	if v := root.Attr("due"); v != "" {
		due, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("bad due date %q", v)
		}
		set.Due = due
	}
	if v := root.Attr("graceperiod"); v != "" {
		grace, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("bad graceperiod %q", v)
		}
		set.GracePeriod = grace
	}
	if v := root.Attr("force_save_button"); v == "true" {
		set.ForceSaveButton = true
	}
	if v := root.Attr("waittime"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("bad waittime %q", v)
		}
		set.Waittime = time.Duration(n) * time.Second
	}
	return nil
}
