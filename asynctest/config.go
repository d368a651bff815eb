package asynctest

import (
	"sort"
	"strconv"
	"sync"
)

// Category groups tests. Tests in an explicit category only run when that
// category is selected.
type Category struct {
	Name     string
	Explicit bool
}

// CategoryAll selects every test that is not in an explicit category.
var CategoryAll = Category{Name: "All"}

// Feature is a named switch that tests can depend on.
type Feature struct {
	Name        string
	Description string
	Default     bool
	// Constant features cannot be toggled through settings.
	Constant bool
}

// Configuration holds the category and feature selection of a session.
type Configuration struct {
	mu         sync.RWMutex
	category   Category
	categories map[string]Category
	features   map[string]Feature
	enabled    map[string]bool
}

// NewConfiguration creates a configuration for the declared categories and
// features. The current category and feature states are read from settings
// ("Category" and "Feature.<name>").
func NewConfiguration(categories []Category, features []Feature, settings *Settings) *Configuration {
	c := &Configuration{
		category:   CategoryAll,
		categories: make(map[string]Category),
		features:   make(map[string]Feature),
		enabled:    make(map[string]bool),
	}
	for _, cat := range categories {
		c.categories[cat.Name] = cat
	}
	for _, f := range features {
		c.features[f.Name] = f
		c.enabled[f.Name] = f.Default
	}
	if settings == nil {
		return c
	}
	if name, ok := settings.Get(SettingCategory); ok && name != "" && name != CategoryAll.Name {
		c.category = c.lookupCategory(name)
	}
	for name, f := range c.features {
		if f.Constant {
			continue
		}
		if v, ok := settings.Get(SettingFeaturePrefix + name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				c.enabled[name] = b
			}
		}
	}
	return c
}

func (c *Configuration) lookupCategory(name string) Category {
	if cat, ok := c.categories[name]; ok {
		return cat
	}
	return Category{Name: name}
}

// CurrentCategory returns the selected category.
func (c *Configuration) CurrentCategory() Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.category
}

// SetCurrentCategory selects a category by name.
func (c *Configuration) SetCurrentCategory(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name == "" || name == CategoryAll.Name {
		c.category = CategoryAll
		return
	}
	c.category = c.lookupCategory(name)
}

// IsEnabled reports whether a feature is enabled. Undeclared features are
// disabled.
func (c *Configuration) IsEnabled(feature string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled[feature]
}

// SetIsEnabled toggles a feature. Constant features are left unchanged.
func (c *Configuration) SetIsEnabled(feature string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.features[feature]; ok && f.Constant {
		return
	}
	c.enabled[feature] = enabled
}

// Features returns the declared features sorted by name.
func (c *Configuration) Features() []Feature {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Feature, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Categories returns the declared categories sorted by name.
func (c *Configuration) Categories() []Category {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Category, 0, len(c.categories))
	for _, cat := range c.categories {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MatchesCategories decides whether a node declaring the given categories
// runs under the current category. With the "All" category, nodes run unless
// they are in an explicit category or must match explicitly. Otherwise the
// current category must be among the declared ones.
func (c *Configuration) MatchesCategories(names []string, mustMatch bool) bool {
	current := c.CurrentCategory()
	if current.Name == CategoryAll.Name {
		if mustMatch {
			return false
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		for _, name := range names {
			if c.categories[name].Explicit {
				return false
			}
		}
		return true
	}
	for _, name := range names {
		if name == current.Name {
			return true
		}
	}
	return false
}

// MatchesFeatures reports whether all given features are enabled.
func (c *Configuration) MatchesFeatures(names []string) bool {
	for _, name := range names {
		if !c.IsEnabled(name) {
			return false
		}
	}
	return true
}

// Snapshot returns the settings that reproduce this configuration remotely.
func (c *Configuration) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]string{SettingCategory: c.category.Name}
	for name, enabled := range c.enabled {
		out[SettingFeaturePrefix+name] = strconv.FormatBool(enabled)
	}
	return out
}
