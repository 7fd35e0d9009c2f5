package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrHandlerNotFound is returned when a topic has no registered handler
type ErrHandlerNotFound struct {
	Topic string
}

func (e *ErrHandlerNotFound) Error() string {
	return fmt.Sprintf("no handler registered for topic %s", e.Topic)
}

// Registry maps topic names to handler programs. A handler is an executable
// file in the handlers directory; the topic name is the file name without
// its extension.
type Registry struct {
	dir string
}

// NewRegistry creates a registry over a handlers directory
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Topics enumerates every registered topic, sorted
func (r *Registry) Topics() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read handlers directory: %w", err)
	}

	var topics []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat handler %s: %w", entry.Name(), err)
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		topics = append(topics, topicName(entry.Name()))
	}
	sort.Strings(topics)
	return topics, nil
}

// Resolve returns the handler program path for a topic
func (r *Registry) Resolve(topic string) (string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read handlers directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || topicName(entry.Name()) != topic {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return "", fmt.Errorf("failed to stat handler %s: %w", entry.Name(), err)
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		return filepath.Join(r.dir, entry.Name()), nil
	}
	return "", &ErrHandlerNotFound{Topic: topic}
}

// Validate checks that every topic in the list is registered. An empty list
// expands to all registered topics.
func (r *Registry) Validate(topics []string) ([]string, error) {
	registered, err := r.Topics()
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return registered, nil
	}

	known := make(map[string]bool, len(registered))
	for _, t := range registered {
		known[t] = true
	}
	for _, t := range topics {
		if !known[t] {
			return nil, &ErrHandlerNotFound{Topic: t}
		}
	}
	return topics, nil
}

func topicName(file string) string {
	return strings.TrimSuffix(file, filepath.Ext(file))
}
