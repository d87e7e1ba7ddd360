package apps

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	ErrClassExists  = errors.New("apps: class already registered")
	ErrClassNil     = errors.New("apps: class constructor is nil")
	ErrInvalidClass = errors.New("apps: invalid class")
)

// classNamePattern matches the form app definitions use in their `class`
// key: dot-separated snake_case segments, each starting with a letter.
var classNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(?:_[a-z0-9]+)*(?:\.[a-z][a-z0-9]*(?:_[a-z0-9]+)*)*$`)

// Class describes one registered app implementation.
type Class struct {
	Name        string
	Description string
	New         func() App
}

// Registry stores app classes by name.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// ValidateClass checks the class name format and required fields.
func ValidateClass(c Class) error {
	if c.Name == "" || strings.TrimSpace(c.Description) == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidClass)
	}
	if !classNamePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: %q is not a dotted snake_case name", ErrInvalidClass, c.Name)
	}
	return nil
}

// Register adds a class to the registry.
func (r *Registry) Register(c Class) error {
	if c.New == nil {
		return ErrClassNil
	}
	if err := ValidateClass(c); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrClassExists, c.Name)
	}
	r.classes[c.Name] = c
	return nil
}

// Resolve returns a class by name.
func (r *Registry) Resolve(name string) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[strings.TrimSpace(name)]
	return c, ok
}

// List returns classes ordered by name.
func (r *Registry) List() []Class {
	r.mu.RLock()
	list := make([]Class, 0, len(r.classes))
	for _, c := range r.classes {
		list = append(list, c)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}
