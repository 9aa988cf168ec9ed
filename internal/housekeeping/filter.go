// Package housekeeping selects local entries to drop, either because a configured filter
// excludes them or because they repeat a command too often. Selected entries are tombstoned,
// so the next sync deletes them on every device.
package housekeeping

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/shellsync/internal/history"
)

// ErrInvalidFilter indicates a filter pattern that does not compile.
var ErrInvalidFilter = errors.New("housekeeping: invalid filter pattern")

// Filter decides which commands are kept out of history.
type Filter struct {
	commands []*regexp.Regexp
	cwds     []*regexp.Regexp
}

// NewFilter compiles the command and working directory patterns. Blank patterns are ignored.
func NewFilter(commandPatterns, cwdPatterns []string) (Filter, error) {
	commands, err := compileAll(commandPatterns)
	if err != nil {
		return Filter{}, err
	}
	cwds, err := compileAll(cwdPatterns)
	if err != nil {
		return Filter{}, err
	}
	return Filter{commands: commands, cwds: cwds}, nil
}

// Excludes reports whether command must not be kept. A leading space hides a command the
// way shells do with ignorespace.
func (f Filter) Excludes(command history.Command) bool {
	if strings.HasPrefix(command.Command, " ") {
		return true
	}
	for _, pattern := range f.commands {
		if pattern.MatchString(command.Command) {
			return true
		}
	}
	for _, pattern := range f.cwds {
		if pattern.MatchString(command.Cwd) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			continue
		}
		expression, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, pattern, err)
		}
		compiled = append(compiled, expression)
	}
	return compiled, nil
}
