package asynctest

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Well-known settings keys.
const (
	SettingDisableTimeouts = "DisableTimeouts"
	// SettingRepeat repeats test methods when neither the method nor its
	// fixture declares a repeat count.
	SettingRepeat              = "Repeat"
	SettingCategory            = "Category"
	SettingFeaturePrefix       = "Feature."
	SettingLogLevel            = "LogLevel"
	SettingParallelConnections = "ParallelConnections"
)

// Settings is a flat string-to-string settings bag.
type Settings struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSettings creates a settings bag holding a copy of values.
func NewSettings(values map[string]string) *Settings {
	s := &Settings{values: make(map[string]string, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Get returns the value of key.
func (s *Settings) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the value of key, or def if unset.
func (s *Settings) GetString(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Bool returns the boolean value of key. Unset or unparsable values are false.
func (s *Settings) Bool(key string) bool {
	v, ok := s.Get(key)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Int returns the integer value of key, or def.
func (s *Settings) Int(key string, def int) int {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Duration returns the duration value of key, or def. Plain integers are
// interpreted as milliseconds.
func (s *Settings) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Get(key)
	if !ok {
		return def
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Set assigns key.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes key.
func (s *Settings) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Merge overlays values on top of the current settings.
func (s *Settings) Merge(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values[k] = v
	}
}

// Values returns a copy of all settings.
func (s *Settings) Values() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Keys returns the sorted keys.
func (s *Settings) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFile merges the settings in a YAML file.
func (s *Settings) LoadFile(file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	values, err := ParseSettings(f)
	if err != nil {
		return errors.Wrapf(err, "invalid settings file %s", file)
	}
	s.Merge(values)
	return nil
}

// ParseSettings reads a YAML document. Nested mappings are flattened into
// dot-separated keys and sequences are joined with commas.
func ParseSettings(r io.Reader) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := make(map[string]string)
	if len(doc.Content) == 0 {
		return out, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("settings must be a mapping")
	}
	if err := flattenSettings("", root, out); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenSettings(prefix string, n *yaml.Node, out map[string]string) error {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			if prefix != "" {
				key = prefix + "." + key
			}
			if err := flattenSettings(key, n.Content[i+1], out); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		items := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return errors.Errorf("line %d: %s: only scalar lists are supported", c.Line, prefix)
			}
			items = append(items, c.Value)
		}
		out[prefix] = strings.Join(items, ",")
	case yaml.ScalarNode:
		out[prefix] = n.Value
	case yaml.AliasNode:
		return flattenSettings(prefix, n.Alias, out)
	default:
		return errors.Errorf("line %d: unsupported value for %s", n.Line, prefix)
	}
	return nil
}
