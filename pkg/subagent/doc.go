// Package subagent runs agent tasks in the background on their own
// session and reports each result back to the session that started it.
//
// A finished run is announced as a synthetic inbound event (origin
// "subagent") addressed to the parent session, so the main agent turns the
// raw result into a reply through the normal dispatch path. The run table
// is persisted to subagents.json; runs interrupted by a restart are marked
// aborted on load.
package subagent
