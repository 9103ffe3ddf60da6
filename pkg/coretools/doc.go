// Package coretools registers the builtin tools that act on the
// orchestrator itself: sending messages, scheduling jobs and the memory
// tools. Jobs created through the cron tool belong to the session that
// created them and reply on its route.
package coretools
