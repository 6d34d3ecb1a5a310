package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Set is the loaded codex and doctrine pair.
type Set struct {
	artifacts map[string]*Artifact
}

// Load reads codex.json and doctrine.json from dir. An empty dir, or a
// file missing from it, falls back to the embedded default for that
// artifact. A file that exists but does not parse is an error.
func Load(dir string) (*Set, error) {
	s := &Set{artifacts: make(map[string]*Artifact, len(Names))}
	for _, name := range Names {
		a, err := loadOne(dir, name)
		if err != nil {
			return nil, err
		}
		s.artifacts[name] = a
	}
	return s, nil
}

func loadOne(dir, name string) (*Artifact, error) {
	if dir != "" {
		path := filepath.Join(dir, name+".json")
		a, err := LoadFile(name, path)
		if err == nil {
			return a, nil
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			return nil, err
		}
	}
	return Default(name)
}

// Artifact returns the named artifact.
func (s *Set) Artifact(name string) (*Artifact, bool) {
	a, ok := s.artifacts[name]
	return a, ok
}

// Registry returns the name -> digest map used to initialize
// authentication.
func (s *Set) Registry() map[string]string {
	out := make(map[string]string, len(s.artifacts))
	for name, a := range s.artifacts {
		out[name] = a.Digest
	}
	return out
}

// Verify checks the loaded digests against pinned values. Names with an
// empty pin are not checked.
func (s *Set) Verify(pins map[string]string) error {
	names := make([]string, 0, len(pins))
	for name := range pins {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		want := pins[name]
		if want == "" {
			continue
		}
		a, ok := s.artifacts[name]
		if !ok {
			return fmt.Errorf("%w: %s is not loaded", ErrDigestMismatch, name)
		}
		if a.Digest != want {
			return fmt.Errorf("%w: %s is %s, pinned %s", ErrDigestMismatch, name, a.Digest, want)
		}
	}
	return nil
}

// Paths returns the on-disk paths of file-backed artifacts.
func (s *Set) Paths() map[string]string {
	out := make(map[string]string)
	for name, a := range s.artifacts {
		if a.Path != "" {
			out[name] = a.Path
		}
	}
	return out
}

// OverrideRules returns the doctrine's override conditions.
func (s *Set) OverrideRules() []Rule {
	a, ok := s.artifacts[Doctrine]
	if !ok {
		return nil
	}
	return append([]Rule(nil), a.OverrideRules...)
}
