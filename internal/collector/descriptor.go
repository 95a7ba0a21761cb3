package collector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrNoDescriptor is returned when the requester closed stdin without
// sending a launch descriptor.
var ErrNoDescriptor = errors.New("collector: no launch descriptor on stdin")

// Descriptor is the single JSON message a requester writes to a collector's
// stdin.
type Descriptor struct {
	CommandName string   `json:"commandName"`
	ProjectDir  string   `json:"projectDir"`
	Shell       string   `json:"shell"`
	Root        string   `json:"root,omitempty"`
	PTY         bool     `json:"pty,omitempty"`
	EnableStdin bool     `json:"enableStdin,omitempty"`
	Env         []string `json:"env,omitempty"`
}

// Validate checks the fields the collector cannot run without.
func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.CommandName) == "":
		return errors.New("descriptor: commandName is required")
	case strings.TrimSpace(d.ProjectDir) == "":
		return errors.New("descriptor: projectDir is required")
	case !filepath.IsAbs(d.ProjectDir):
		return fmt.Errorf("descriptor: projectDir %q must be absolute", d.ProjectDir)
	case strings.TrimSpace(d.Shell) == "":
		return errors.New("descriptor: shell is required")
	}
	return nil
}

// WorkDir is Root joined under ProjectDir, or ProjectDir itself.
func (d Descriptor) WorkDir() string {
	if d.Root == "" {
		return d.ProjectDir
	}
	return filepath.Join(d.ProjectDir, d.Root)
}

// ReadDescriptor decodes exactly one descriptor from r.
func ReadDescriptor(r io.Reader) (Descriptor, error) {
	var d Descriptor
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return d, ErrNoDescriptor
		}
		return d, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, d.Validate()
}
