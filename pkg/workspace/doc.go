// Package workspace loads the operator-authored files of the agent
// workspace that shape every turn's system prompt.
//
// Bootstrap files (AGENTS.md, SOUL.md, USER.md, TOOLS.md, IDENTITY.md) are
// read from the workspace root. Skills live under <workspace>/skills/<name>/
// SKILL.md with an optional YAML frontmatter:
//
//	---
//	description: Summarize GitHub pull requests
//	always: false
//	metadata: {"requires": {"bins": ["gh"], "env": ["GITHUB_TOKEN"]}}
//	---
//
// Files are cached and re-read only when their modification time or size
// changes, so edits show up on the next turn without a restart.
//
// Usage:
//
//	l, _ := workspace.NewLoader(workspace.Options{Dir: "/workspace"})
//	prompt := l.Bootstrap() + l.Skills()
package workspace
