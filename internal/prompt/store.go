// Package prompt loads and formats the reusable prompt templates shipped
// with the binary.
package prompt

import (
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed templates/*.txt
var templatesFS embed.FS

// sharedNames are fragment templates auto-injected into any template that
// references them, so callers never pass boilerplate explicitly.
var sharedNames = []string{"shared_requirements", "shared_structure", "shared_pptx_api"}

type Store struct {
	mu    sync.Mutex
	cache map[string]string
}

func NewStore() *Store {
	return &Store{cache: make(map[string]string)}
}

// Get returns the raw template text by name.
func (s *Store) Get(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".txt")
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl, ok := s.cache[name]; ok {
		return tpl, nil
	}
	data, err := templatesFS.ReadFile("templates/" + name + ".txt")
	if err != nil {
		return "", fmt.Errorf("prompt template missing: %s", name)
	}
	s.cache[name] = string(data)
	return s.cache[name], nil
}

// Render formats a template, substituting {placeholder} occurrences from
// the context and injecting shared fragments where referenced.
func (s *Store) Render(name string, context map[string]string) (string, error) {
	tpl, err := s.Get(name)
	if err != nil {
		return "", err
	}
	vars := make(map[string]string, len(context)+len(sharedNames))
	for key, value := range context {
		vars[key] = value
	}
	if strings.Contains(tpl, "{shared_") {
		for _, shared := range sharedNames {
			if _, ok := vars[shared]; ok {
				continue
			}
			fragment, err := s.Get(shared)
			if err != nil {
				continue
			}
			vars[shared] = fragment
		}
	}
	out := tpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out, nil
}
