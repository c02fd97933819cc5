package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is one deployed version of the worker: its version tag, the manifest
// that must be cached at install time and the digest of the raw descriptor
// bytes the hosting environment compares to detect a new deploy.
type Script struct {
	Version  string   `yaml:"version"`
	Manifest []string `yaml:"manifest"`
	Digest   string   `yaml:"-"`
}

// ParseScript decodes a YAML script descriptor and stamps its digest.
func ParseScript(raw []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Script{}, fmt.Errorf("config: parse script: %w", err)
	}
	s.Version = strings.TrimSpace(s.Version)
	if s.Version == "" {
		return Script{}, errors.New("config: script version required")
	}
	for i, entry := range s.Manifest {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			return Script{}, fmt.Errorf("config: script manifest[%d] empty", i)
		}
		s.Manifest[i] = entry
	}
	s.Digest = Digest(raw)
	return s, nil
}

// LoadScript reads and parses the descriptor at path.
func LoadScript(path string) (Script, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("config: read script %s: %w", path, err)
	}
	return ParseScript(raw)
}

// InlineScript builds the script declared directly in the worker block.
func InlineScript(w WorkerConfig) Script {
	manifest := make([]string, 0, len(w.Manifest))
	for _, entry := range w.Manifest {
		manifest = append(manifest, strings.TrimSpace(entry))
	}
	version := strings.TrimSpace(w.Version)
	raw := version + "\n" + strings.Join(manifest, "\n")
	return Script{Version: version, Manifest: manifest, Digest: Digest([]byte(raw))}
}

// Digest fingerprints descriptor bytes.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
