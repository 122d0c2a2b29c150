// Package profile owns the structured professional profile the agent
// answers from. The document is loaded lazily on first use and cached
// until Invalidate or Reload is called.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoProfile is returned when the profile document does not exist.
var ErrNoProfile = errors.New("profile document not found")

// aliases maps accepted section names onto canonical document keys.
var aliases = map[string]string{
	"skills":          "skills",
	"skill":           "skills",
	"education":       "education",
	"experience":      "experience",
	"projects":        "projects",
	"project":         "projects",
	"job_preferences": "job_preferences",
	"job":             "job_preferences",
	"preferences":     "job_preferences",
	"links":           "links",
	"contact":         "contact",
}

// ResolveSection normalizes a section name and applies the alias table.
// Unknown names pass through lowercased.
func ResolveSection(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		return canonical
	}
	return key
}

// Store is a lazily loaded, explicitly invalidated profile cache. It is
// safe for concurrent use. Values it returns are shared and must not be
// modified.
type Store struct {
	path string

	mu       sync.RWMutex
	doc      map[string]any
	loadedAt time.Time
}

// NewStore creates a store for the JSON or YAML document at path. The
// file is not read until the first lookup.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the profile document path.
func (s *Store) Path() string { return s.path }

// LoadedAt returns when the cached document was read, or the zero time
// if nothing is cached.
func (s *Store) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// Invalidate drops the cached document. The next lookup rereads it.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.doc = nil
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// Reload rereads the document now. On failure the previous cache is
// left untouched.
func (s *Store) Reload() error {
	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.loadedAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Store) document() (map[string]any, error) {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	if doc != nil {
		return doc, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc != nil {
		return s.doc, nil
	}
	doc, err := readDocument(s.path)
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.loadedAt = time.Now()
	return doc, nil
}

func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoProfile, path)
		}
		return nil, fmt.Errorf("read profile: %w", err)
	}

	doc := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return doc, nil
}

// Section returns the named section after alias resolution. A section
// the document lacks yields an empty map rather than an error.
func (s *Store) Section(name string) (any, error) {
	if strings.TrimSpace(name) == "" {
		return map[string]any{}, nil
	}
	doc, err := s.document()
	if err != nil {
		return nil, err
	}
	if v, ok := doc[ResolveSection(name)]; ok && v != nil {
		return v, nil
	}
	return map[string]any{}, nil
}

// Projects returns every project record in the document.
func (s *Store) Projects() ([]map[string]any, error) {
	doc, err := s.document()
	if err != nil {
		return nil, err
	}
	list, _ := doc["projects"].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Project returns the project whose name matches case-insensitively, or
// nil when none does.
func (s *Store) Project(name string) (map[string]any, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return nil, nil
	}
	projects, err := s.Projects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if n, _ := p["name"].(string); strings.ToLower(strings.TrimSpace(n)) == want {
			return p, nil
		}
	}
	return nil, nil
}

// Name returns the profile's display name, if the document has one at
// "name" or "contact.name".
func (s *Store) Name() string {
	doc, err := s.document()
	if err != nil {
		return ""
	}
	if n, ok := doc["name"].(string); ok {
		return n
	}
	if c, ok := doc["contact"].(map[string]any); ok {
		if n, ok := c["name"].(string); ok {
			return n
		}
	}
	return ""
}
