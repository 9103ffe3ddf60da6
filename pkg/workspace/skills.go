package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var lookPath = exec.LookPath

const skillsPreamble = "The following skills extend your capabilities. To use one, load its instructions with the read_skill tool."

// frontmatter is the YAML header of a SKILL.md.
type frontmatter struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Always      bool        `yaml:"always"`
	Metadata    interface{} `yaml:"metadata"`
}

type skillMeta struct {
	Always   bool         `json:"always"`
	Requires Requirements `json:"requires"`
}

// ListSkills returns every skill, workspace first, sorted by name within
// each source. A builtin skill shadowed by a workspace one is skipped.
func (l *Loader) ListSkills() []Skill {
	seen := make(map[string]bool)
	var out []Skill
	for _, src := range []struct{ dir, name string }{
		{filepath.Join(l.dir, SkillsDir), "workspace"},
		{l.builtin, "builtin"},
	} {
		if src.dir == "" {
			continue
		}
		entries, err := os.ReadDir(src.dir)
		if err != nil {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if !e.IsDir() || seen[e.Name()] {
				continue
			}
			path := filepath.Join(src.dir, e.Name(), SkillFile)
			f, err := l.load(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					l.logger.Warn().Err(err).Str("skill", e.Name()).Msg("Failed to load skill")
				}
				continue
			}
			seen[e.Name()] = true
			out = append(out, l.describe(e.Name(), src.name, f))
		}
	}
	return out
}

func (l *Loader) describe(name, source string, f *File) Skill {
	fm, _ := splitFrontmatter(f.Content)
	meta := parseSkillMeta(fm.Metadata)
	s := Skill{
		Name:        name,
		Description: fm.Description,
		Path:        f.Path,
		Source:      source,
		Always:      fm.Always || meta.Always,
	}
	if s.Description == "" {
		s.Description = name
	}
	s.Missing = l.missing(meta.Requires)
	s.Available = len(s.Missing) == 0
	return s
}

func (l *Loader) missing(req Requirements) []string {
	var out []string
	for _, bin := range req.Bins {
		if _, err := l.lookPath(bin); err != nil {
			out = append(out, "CLI: "+bin)
		}
	}
	for _, key := range req.Env {
		if l.getenv(key) == "" {
			out = append(out, "ENV: "+key)
		}
	}
	return out
}

// LoadSkill returns the body of a skill with its frontmatter removed.
func (l *Loader) LoadSkill(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrSkillNotFound, name)
	}
	for _, dir := range []string{filepath.Join(l.dir, SkillsDir), l.builtin} {
		if dir == "" {
			continue
		}
		f, err := l.load(filepath.Join(dir, name, SkillFile))
		if err == nil {
			_, body := splitFrontmatter(f.Content)
			return body, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: %q", ErrSkillNotFound, name)
}

// Skills renders the always-on skill bodies followed by the XML summary
// of every skill. It is empty when no skills are installed.
func (l *Loader) Skills() string {
	skills := l.ListSkills()
	if len(skills) == 0 {
		return ""
	}

	var active []string
	for _, s := range skills {
		if !s.Always || !s.Available {
			continue
		}
		body, err := l.LoadSkill(s.Name)
		if err != nil || body == "" {
			continue
		}
		active = append(active, "### Skill: "+s.Name+"\n\n"+body)
	}

	var b strings.Builder
	if len(active) > 0 {
		b.WriteString("# Active Skills\n\n")
		b.WriteString(strings.Join(active, "\n\n---\n\n"))
		b.WriteString("\n\n")
	}
	b.WriteString("# Skills\n\n")
	b.WriteString(skillsPreamble)
	b.WriteString("\n\n")
	b.WriteString(Summary(skills))
	return b.String()
}

// Summary renders skills as the <skills> XML block.
func Summary(skills []Skill) string {
	lines := []string{"<skills>"}
	for _, s := range skills {
		lines = append(lines, fmt.Sprintf("  <skill available=\"%t\">", s.Available))
		lines = append(lines, "    <name>"+html.EscapeString(s.Name)+"</name>")
		lines = append(lines, "    <description>"+html.EscapeString(s.Description)+"</description>")
		lines = append(lines, "    <location>"+html.EscapeString(s.Path)+"</location>")
		if len(s.Missing) > 0 {
			lines = append(lines, "    <requires>"+html.EscapeString(strings.Join(s.Missing, ", "))+"</requires>")
		}
		lines = append(lines, "  </skill>")
	}
	lines = append(lines, "</skills>")
	return strings.Join(lines, "\n")
}

// splitFrontmatter separates the YAML header from the body. Content
// without a header, or with one that does not parse, is all body.
func splitFrontmatter(content string) (frontmatter, string) {
	var fm frontmatter
	rest, ok := strings.CutPrefix(content, "---\n")
	if !ok {
		rest, ok = strings.CutPrefix(content, "---\r\n")
	}
	if !ok {
		return fm, strings.TrimSpace(content)
	}
	header, body, found := strings.Cut(rest, "\n---")
	if !found {
		return fm, strings.TrimSpace(content)
	}
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return frontmatter{}, strings.TrimSpace(content)
	}
	// Drop the remainder of the closing delimiter line.
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return fm, strings.TrimSpace(body)
}

// parseSkillMeta accepts metadata as a YAML mapping or a JSON string,
// optionally nested under a "switchboard" or "nanobot" key.
func parseSkillMeta(raw interface{}) skillMeta {
	var meta skillMeta
	var data []byte
	switch v := raw.(type) {
	case nil:
		return meta
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return meta
		}
		data = b
	}

	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return meta
	}
	for _, ns := range []string{"switchboard", "nanobot"} {
		if inner, ok := outer[ns]; ok {
			data = inner
			break
		}
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}
