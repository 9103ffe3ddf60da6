package memory

import (
	"strings"
)

// MergeFacts folds update into existing. Every line of existing is kept in
// place; lines of update that are not already present (ignoring case and
// surrounding whitespace) are appended in their original order.
func MergeFacts(existing, update string) string {
	existing = strings.TrimRight(existing, "\n")
	seen := make(map[string]bool)
	for _, line := range strings.Split(existing, "\n") {
		if k := factKey(line); k != "" {
			seen[k] = true
		}
	}

	var added []string
	for _, line := range strings.Split(update, "\n") {
		k := factKey(line)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		added = append(added, strings.TrimRight(line, " \t\r"))
	}

	if len(added) == 0 {
		if existing == "" {
			return ""
		}
		return existing + "\n"
	}

	var b strings.Builder
	if existing != "" {
		b.WriteString(existing)
		b.WriteString("\n")
	}
	for _, line := range added {
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// factKey normalizes a line for duplicate detection. Bullet markers are
// ignored so "- likes tea" and "* likes tea" are the same fact.
func factKey(line string) string {
	s := strings.TrimSpace(line)
	for _, prefix := range []string{"- ", "* ", "+ "} {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(s[len(prefix):])
			break
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// FactLines returns the non-blank lines of a facts document.
func FactLines(doc string) []string {
	var lines []string
	for _, line := range strings.Split(doc, "\n") {
		if factKey(line) != "" {
			lines = append(lines, strings.TrimRight(line, " \t\r"))
		}
	}
	return lines
}
