package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxContextProjects caps the projects summarized into a prompt.
const maxContextProjects = 5

// contextTriggers maps a section onto the words in a user message that
// make it worth putting in front of the model up front.
var contextTriggers = []struct {
	section  string
	keywords []string
}{
	{"education", []string{"education", "degree", "university", "college"}},
	{"experience", []string{"experience", "work", "job", "roles"}},
	{"skills", []string{"skill", "stack", "tech", "tools"}},
	{"projects", []string{"project"}},
}

// GetContext returns profile excerpts relevant to the user message, or
// an empty string when nothing matches. A missing profile yields no
// context rather than an error so the turn can still run on tools.
func (s *Store) GetContext(_ context.Context, userMessage string) (string, error) {
	lower := strings.ToLower(userMessage)
	var parts []string
	for _, trig := range contextTriggers {
		if !containsAny(lower, trig.keywords) {
			continue
		}
		excerpt, err := s.excerpt(trig.section)
		if err != nil {
			return "", err
		}
		if excerpt != "" {
			parts = append(parts, excerpt)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "## Profile excerpts\n\n" + strings.Join(parts, "\n\n"), nil
}

func (s *Store) excerpt(section string) (string, error) {
	var value any
	if section == "projects" {
		projects, err := s.Projects()
		if err != nil {
			return "", ignoreMissing(err)
		}
		summary := make([]map[string]any, 0, maxContextProjects)
		for _, p := range projects {
			if len(summary) == maxContextProjects {
				break
			}
			summary = append(summary, map[string]any{"name": p["name"], "description": p["description"]})
		}
		if len(summary) == 0 {
			return "", nil
		}
		value = summary
	} else {
		v, err := s.Section(section)
		if err != nil {
			return "", ignoreMissing(err)
		}
		if isEmpty(v) {
			return "", nil
		}
		value = v
	}

	out, err := yaml.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("render %s excerpt: %w", section, err)
	}
	return fmt.Sprintf("%s:\n%s", section, strings.TrimRight(string(out), "\n")), nil
}

func ignoreMissing(err error) error {
	if errors.Is(err, ErrNoProfile) {
		return nil
	}
	return err
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case string:
		return t == ""
	}
	return false
}
