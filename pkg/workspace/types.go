package workspace

import (
	"errors"
	"time"
)

const (
	// MaxFileSize caps a single workspace file.
	MaxFileSize = 1 << 20

	SkillsDir = "skills"
	SkillFile = "SKILL.md"
)

// BootstrapFiles are injected into the system prompt in this order.
var BootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "TOOLS.md", "IDENTITY.md"}

var (
	ErrFileTooLarge  = errors.New("workspace file too large")
	ErrOutsideRoot   = errors.New("path is outside workspace")
	ErrSkillNotFound = errors.New("skill not found")
)

// File is a loaded workspace file.
type File struct {
	Path     string
	Content  string
	Hash     string
	Size     int64
	ModTime  time.Time
	LoadedAt time.Time
}

// Skill describes one SKILL.md found in the workspace or builtin directory.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Path        string   `json:"path"`
	Source      string   `json:"source"`
	Always      bool     `json:"always"`
	Available   bool     `json:"available"`
	Missing     []string `json:"missing,omitempty"`
}

// Requirements are what a skill needs from the host to be usable.
type Requirements struct {
	Bins []string `json:"bins" yaml:"bins"`
	Env  []string `json:"env" yaml:"env"`
}
