package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/switchboard/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T, dir string, env map[string]string, bins ...string) *Loader {
	t.Helper()
	l, err := NewLoader(Options{
		Dir: dir,
		LookPath: func(file string) (string, error) {
			for _, b := range bins {
				if b == file {
					return "/usr/bin/" + file, nil
				}
			}
			return "", errors.New("not found")
		},
		Getenv: func(key string) string { return env[key] },
	})
	require.NoError(t, err)
	return l
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewLoaderRequiresDir(t *testing.T) {
	_, err := NewLoader(Options{})
	assert.Error(t, err)
}

func TestBootstrap(t *testing.T) {
	dir := t.TempDir()
	l := newTestLoader(t, dir, nil)
	assert.Empty(t, l.Bootstrap())

	writeFile(t, filepath.Join(dir, "SOUL.md"), "Be kind.\n")
	writeFile(t, filepath.Join(dir, "AGENTS.md"), "Answer in English.")
	writeFile(t, filepath.Join(dir, "USER.md"), "   \n")

	got := l.Bootstrap()
	assert.Equal(t, "## AGENTS.md\n\nAnswer in English.\n\n## SOUL.md\n\nBe kind.", got)
	assert.NotContains(t, got, "USER.md")
}

func TestReadFileReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	l := newTestLoader(t, dir, nil)
	path := filepath.Join(dir, "IDENTITY.md")
	writeFile(t, path, "v1")

	first, err := l.ReadFile("IDENTITY.md")
	require.NoError(t, err)
	again, err := l.ReadFile("IDENTITY.md")
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, l.cache.size())

	writeFile(t, path, "version two")
	updated, err := l.ReadFile("IDENTITY.md")
	require.NoError(t, err)
	assert.Equal(t, "version two", updated.Content)
	assert.NotEqual(t, first.Hash, updated.Hash)

	require.NoError(t, os.Remove(path))
	_, err = l.ReadFile("IDENTITY.md")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 0, l.cache.size())
}

func TestReadFileRejectsEscapes(t *testing.T) {
	l := newTestLoader(t, t.TempDir(), nil)
	for _, p := range []string{"../secret", "a/../../b", "/etc/passwd"} {
		_, err := l.ReadFile(p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
}

func TestReadFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	l := newTestLoader(t, dir, nil)
	writeFile(t, filepath.Join(dir, "TOOLS.md"), strings.Repeat("x", MaxFileSize+1))
	_, err := l.ReadFile("TOOLS.md")
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestSkills(t *testing.T) {
	dir := t.TempDir()
	builtin := t.TempDir()
	writeFile(t, filepath.Join(dir, SkillsDir, "github", SkillFile),
		"---\ndescription: Work with <GitHub> PRs\nmetadata: '{\"nanobot\": {\"requires\": {\"bins\": [\"gh\"], \"env\": [\"GH_TOKEN\"]}}}'\n---\nUse gh pr view.\n")
	writeFile(t, filepath.Join(dir, SkillsDir, "tone", SkillFile),
		"---\ndescription: House style\nalways: true\n---\n\nKeep replies short.\n")
	writeFile(t, filepath.Join(dir, SkillsDir, "empty", "README.md"), "not a skill")
	writeFile(t, filepath.Join(builtin, "tone", SkillFile), "builtin tone")
	writeFile(t, filepath.Join(builtin, "weather", SkillFile), "Check the forecast.")

	l, err := NewLoader(Options{
		Dir:              dir,
		BuiltinSkillsDir: builtin,
		LookPath:         func(string) (string, error) { return "", errors.New("missing") },
		Getenv:           func(string) string { return "" },
	})
	require.NoError(t, err)

	skills := l.ListSkills()
	require.Len(t, skills, 3)
	assert.Equal(t, "github", skills[0].Name)
	assert.False(t, skills[0].Available)
	assert.Equal(t, []string{"CLI: gh", "ENV: GH_TOKEN"}, skills[0].Missing)
	assert.Equal(t, "tone", skills[1].Name)
	assert.Equal(t, "workspace", skills[1].Source)
	assert.True(t, skills[1].Always)
	assert.Equal(t, "weather", skills[2].Name)
	assert.Equal(t, "builtin", skills[2].Source)
	assert.Equal(t, "weather", skills[2].Description)

	out := l.Skills()
	assert.True(t, strings.HasPrefix(out, "# Active Skills\n\n### Skill: tone\n\nKeep replies short."))
	assert.Contains(t, out, "<description>Work with &lt;GitHub&gt; PRs</description>")
	assert.Contains(t, out, "<requires>CLI: gh, ENV: GH_TOKEN</requires>")
	assert.Contains(t, out, "<skill available=\"true\">\n    <name>weather</name>")
	assert.NotContains(t, out, "builtin tone")

	body, err := l.LoadSkill("github")
	require.NoError(t, err)
	assert.Equal(t, "Use gh pr view.", body)
	_, err = l.LoadSkill("../SOUL.md")
	assert.ErrorIs(t, err, ErrSkillNotFound)
	_, err = l.LoadSkill("nope")
	assert.ErrorIs(t, err, ErrSkillNotFound)
}

func TestSkillRequirementsMet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SkillsDir, "github", SkillFile),
		"---\ndescription: PRs\nmetadata:\n  requires:\n    bins: [gh]\n    env: [GH_TOKEN]\n  always: true\n---\nUse gh.")
	l := newTestLoader(t, dir, map[string]string{"GH_TOKEN": "x"}, "gh")

	skills := l.ListSkills()
	require.Len(t, skills, 1)
	assert.True(t, skills[0].Available)
	assert.True(t, skills[0].Always)
	assert.Contains(t, l.Skills(), "### Skill: github\n\nUse gh.")
}

func TestSkillsEmpty(t *testing.T) {
	l := newTestLoader(t, t.TempDir(), nil)
	assert.Empty(t, l.Skills())
}

func TestSplitFrontmatter(t *testing.T) {
	fm, body := splitFrontmatter("plain body\n")
	assert.Equal(t, frontmatter{}, fm)
	assert.Equal(t, "plain body", body)

	fm, body = splitFrontmatter("---\nname: x\ndescription: \"quoted\"\n---\nbody")
	assert.Equal(t, "quoted", fm.Description)
	assert.Equal(t, "body", body)

	_, body = splitFrontmatter("---\nunterminated")
	assert.Equal(t, "---\nunterminated", body)
}

func TestReadSkillTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, SkillsDir, "tone", SkillFile), "---\ndescription: d\n---\nBe brief.")
	l := newTestLoader(t, dir, nil)
	exec := toolexecutor.New()
	require.NoError(t, RegisterSkillTools(exec, l))

	res := exec.Execute(context.Background(), "read_skill", map[string]interface{}{"name": "tone"}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Be brief.", res.Output)

	res = exec.Execute(context.Background(), "read_skill", map[string]interface{}{"name": "missing"}, nil)
	assert.False(t, res.Success)
}
