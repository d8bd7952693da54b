// Package voicecmd implements keyword detection on STT finals for
// meta-commands that control the Pipeline Coordinator directly rather than
// being forwarded to the LLM turn loop — "stop talking", "stop listening",
// "switch to the fast model". Patterns are checked before a transcript
// reaches the Conversation Gate, so a meta-command never becomes an LLM turn.
package voicecmd

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Actions is the set of coordinator-level operations a matched voice command
// may invoke. Each field may be nil; when a pattern matches and its field is
// nil, Check reports the command as handled and returns an error.
type Actions struct {
	// Interrupt silences assistant playback immediately, as if the user had
	// barged in.
	Interrupt func()

	// Sleep transitions the Conversation Gate to inactive.
	Sleep func()

	// SetToolsPaused toggles whether the LLM stage's tool loop is allowed to
	// execute tools for the remainder of the session.
	SetToolsPaused func(paused bool)

	// SwitchModel requests the named provider/model pair for the next turn,
	// bypassing the ordinary tier/priority selection.
	SwitchModel func(providerModel string) error
}

// Pattern pairs a compiled regex with the action it triggers. Named groups
// are passed to Action as matches[1], matches[2], etc., per
// regexp.FindStringSubmatch semantics.
type Pattern struct {
	Name   string
	Regex  *regexp.Regexp
	Action func(a Actions, matches []string) (string, error)
}

// Filter checks STT finals against the built-in meta-command patterns.
// Filter holds no session state; it is safe for concurrent use.
type Filter struct {
	patterns []Pattern
}

// New returns a Filter with the default meta-command pattern set.
func New() *Filter {
	return &Filter{patterns: defaultPatterns()}
}

// Check tests text against every pattern in order and, on the first match,
// invokes its action. It returns (true, result, nil) on a handled command,
// (false, "", nil) when nothing matched (the caller should forward text to
// the LLM turn loop as usual), and (true, "", err) when a matched command's
// action failed.
func (f *Filter) Check(a Actions, text string) (handled bool, result string, err error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, "", nil
	}

	for _, p := range f.patterns {
		matches := p.Regex.FindStringSubmatch(trimmed)
		if matches == nil {
			continue
		}
		result, err := p.Action(a, matches)
		if err != nil {
			slog.Warn("voicecmd: command failed", "pattern", p.Name, "text", trimmed, "error", err)
			return true, "", fmt.Errorf("voicecmd: %s: %w", p.Name, err)
		}
		slog.Debug("voicecmd: command executed", "pattern", p.Name, "text", trimmed)
		return true, result, nil
	}
	return false, "", nil
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "stop-talking",
			Regex: regexp.MustCompile(`(?i)^(?:stop talking|be quiet|stop)\.?$`),
			Action: func(a Actions, _ []string) (string, error) {
				if a.Interrupt == nil {
					return "", fmt.Errorf("interrupt not available")
				}
				a.Interrupt()
				return "interrupted", nil
			},
		},
		{
			Name:  "go-to-sleep",
			Regex: regexp.MustCompile(`(?i)^(?:go to sleep|stop listening|sleep now)\.?$`),
			Action: func(a Actions, _ []string) (string, error) {
				if a.Sleep == nil {
					return "", fmt.Errorf("sleep not available")
				}
				a.Sleep()
				return "sleeping", nil
			},
		},
		{
			Name:  "pause-tools",
			Regex: regexp.MustCompile(`(?i)^(?:pause|disable)\s+tools\.?$`),
			Action: func(a Actions, _ []string) (string, error) {
				if a.SetToolsPaused == nil {
					return "", fmt.Errorf("tool pause not available")
				}
				a.SetToolsPaused(true)
				return "tools paused", nil
			},
		},
		{
			Name:  "resume-tools",
			Regex: regexp.MustCompile(`(?i)^(?:resume|enable)\s+tools\.?$`),
			Action: func(a Actions, _ []string) (string, error) {
				if a.SetToolsPaused == nil {
					return "", fmt.Errorf("tool resume not available")
				}
				a.SetToolsPaused(false)
				return "tools resumed", nil
			},
		},
		{
			Name:  "switch-model",
			Regex: regexp.MustCompile(`(?i)^switch to (?:the )?(.+?) model\.?$`),
			Action: func(a Actions, matches []string) (string, error) {
				if a.SwitchModel == nil {
					return "", fmt.Errorf("model switch not available")
				}
				if err := a.SwitchModel(strings.TrimSpace(matches[1])); err != nil {
					return "", err
				}
				return "switched model", nil
			},
		},
	}
}
