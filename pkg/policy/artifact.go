// Package policy loads the versioned codex and doctrine artifacts that
// seed the authentication checksum registry, and watches them on disk for
// tampering.
package policy

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/sentinel/pkg/canonicalize"
)

// Artifact names. They match the registry keys the orchestrator expects.
const (
	Codex    = "codex"
	Doctrine = "doctrine"
)

// Names lists the artifacts every policy set carries.
var Names = []string{Codex, Doctrine}

// SupportedConstraint is the artifact version range this build accepts.
const SupportedConstraint = "^1.0.0"

var (
	ErrUnsupportedVersion = errors.New("policy: unsupported artifact version")
	ErrNameMismatch       = errors.New("policy: artifact name mismatch")
	ErrDigestMismatch     = errors.New("policy: artifact digest mismatch")
)

//go:embed defaults/*.json
var defaults embed.FS

// Rule is a named CEL override condition shipped with the doctrine.
type Rule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Document is the JSON body of an artifact.
type Document struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Description   string   `json:"description,omitempty"`
	Principles    []string `json:"principles,omitempty"`
	OverrideRules []Rule   `json:"override_rules,omitempty"`
}

// Artifact is a parsed document plus where it came from and its content
// digest. Path is empty for embedded defaults.
type Artifact struct {
	Document
	Path     string    `json:"path,omitempty"`
	Digest   string    `json:"digest"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Parse decodes content as the artifact called name and checks its
// version against SupportedConstraint.
func Parse(name string, content []byte) (*Artifact, error) {
	var doc Document
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	if doc.Name == "" {
		doc.Name = name
	}
	if doc.Name != name {
		return nil, fmt.Errorf("%w: want %q, got %q", ErrNameMismatch, name, doc.Name)
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &Artifact{
		Document: doc,
		Digest:   canonicalize.ArtifactDigest(content),
		LoadedAt: time.Now().UTC(),
	}, nil
}

// LoadFile reads and parses the artifact at path.
func LoadFile(name, path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	a, err := Parse(name, data)
	if err != nil {
		return nil, err
	}
	a.Path = path
	return a, nil
}

// Default returns the embedded baseline artifact called name.
func Default(name string) (*Artifact, error) {
	data, err := defaults.ReadFile("defaults/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("no default artifact %q: %w", name, err)
	}
	return Parse(name, data)
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	constraint, err := semver.NewConstraint(SupportedConstraint)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, version, SupportedConstraint)
	}
	return nil
}
