package task

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// LoadGroups parses a target list. Blank lines separate groups, a "# name"
// line starts a new named group and every other non-empty line is a target.
// When groupSize > 0, larger groups are split into chunks of at most
// groupSize tasks. Every task receives cfg.
func LoadGroups(r io.Reader, groupSize int, cfg Config) ([]Group, error) {
	var (
		groups  []Group
		name    string
		targets []string
	)
	flush := func() {
		if len(targets) == 0 {
			name = ""
			return
		}
		if name == "" {
			name = fmt.Sprintf("group-%d", len(groups)+1)
		}
		groups = append(groups, chunk(name, cfg, targets, groupSize)...)
		name = ""
		targets = nil
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "#"):
			flush()
			name = strings.TrimSpace(strings.TrimPrefix(line, "#"))
		default:
			targets = append(targets, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	flush()
	return groups, nil
}

func chunk(name string, cfg Config, targets []string, size int) []Group {
	if size <= 0 || len(targets) <= size {
		return []Group{NewGroup(name, cfg, targets...)}
	}
	var groups []Group
	for start, part := 0, 1; start < len(targets); start, part = start+size, part+1 {
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}
		groups = append(groups, NewGroup(fmt.Sprintf("%s/%d", name, part), cfg, targets[start:end]...))
	}
	return groups
}

// Count returns the total number of tasks across groups.
func Count(groups []Group) int {
	total := 0
	for _, g := range groups {
		total += len(g.Tasks)
	}
	return total
}
