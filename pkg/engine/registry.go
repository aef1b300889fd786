package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

// StaticRegistry is a fixed, in-memory capability registry. Used in
// tests and for callers that assemble the catalog programmatically.
type StaticRegistry struct {
	caps map[string]Capability
}

// NewStaticRegistry creates a registry from the given capabilities.
func NewStaticRegistry(caps []Capability) *StaticRegistry {
	m := make(map[string]Capability, len(caps))
	for _, c := range caps {
		m[c.Name] = c
	}
	return &StaticRegistry{caps: m}
}

// Enumerate returns all capability descriptors, sorted by name.
func (r *StaticRegistry) Enumerate() []Capability {
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the capability with the given name.
func (r *StaticRegistry) Lookup(name string) (Capability, bool) {
	c, ok := r.caps[name]
	return c, ok
}

// FileRegistry loads capability descriptors from a YAML catalog file and
// hot-reloads it on change, so new remote operations become available
// without a restart.
type FileRegistry struct {
	path    string
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	caps map[string]Capability
}

// catalogFile is the on-disk shape of the capability catalog.
type catalogFile struct {
	Capabilities []Capability `yaml:"capabilities"`
}

// NewFileRegistry loads the catalog at path. The returned registry does
// not watch for changes until Watch is called.
func NewFileRegistry(path string, logger *telemetry.Logger) (*FileRegistry, error) {
	r := &FileRegistry{
		path:   path,
		logger: logger,
		caps:   make(map[string]Capability),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts watching the catalog file and reloads it on write. Call
// Close to stop watching.
func (r *FileRegistry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog %s: %w", r.path, err)
	}
	r.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.WithError(err).Warn("catalog reload failed, keeping previous catalog")
					continue
				}
				r.logger.WithField("path", r.path).Info("capability catalog reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.WithError(err).Warn("catalog watcher error")
			}
		}
	}()

	return nil
}

// Close stops watching the catalog file.
func (r *FileRegistry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *FileRegistry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", r.path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse catalog %s: %w", r.path, err)
	}

	caps := make(map[string]Capability, len(file.Capabilities))
	for _, c := range file.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("catalog %s contains a capability with no name", r.path)
		}
		if _, dup := caps[c.Name]; dup {
			return fmt.Errorf("catalog %s declares capability %s twice", r.path, c.Name)
		}
		caps[c.Name] = c
	}

	r.mu.Lock()
	r.caps = caps
	r.mu.Unlock()
	return nil
}

// Enumerate returns all capability descriptors, sorted by name.
func (r *FileRegistry) Enumerate() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the capability with the given name.
func (r *FileRegistry) Lookup(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// memoryRefPrefix marks a string parameter value that should be resolved
// from session memory at dispatch time.
const (
	memoryRefPrefix = "${mem:"
	memoryRefSuffix = "}"
)

// MemoryRef returns the memory key a parameter value references, if any.
func MemoryRef(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	if strings.HasPrefix(s, memoryRefPrefix) && strings.HasSuffix(s, memoryRefSuffix) {
		return s[len(memoryRefPrefix) : len(s)-len(memoryRefSuffix)], true
	}
	return "", false
}

// ResolveParameters returns a copy of params with every memory reference
// replaced by the referenced fact's current value. A reference to a key
// that session memory does not hold is an error. Nested objects and
// arrays are resolved recursively.
func ResolveParameters(params map[string]any, memory *SessionMemory) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out := make(map[string]any, len(params))
	for name, value := range params {
		resolved, err := resolveValue(value, memory)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		out[name] = resolved
	}
	return out, nil
}

func resolveValue(value any, memory *SessionMemory) (any, error) {
	if key, isRef := MemoryRef(value); isRef {
		if memory == nil {
			return nil, fmt.Errorf("references memory key %q but no session memory is attached", key)
		}
		v, ok := memory.Lookup(key)
		if !ok {
			return nil, fmt.Errorf("references unknown memory key %q", key)
		}
		return v, nil
	}
	switch v := value.(type) {
	case map[string]any:
		return ResolveParameters(v, memory)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := resolveValue(item, memory)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ValidateParameters checks the given parameters against the
// capability's schema: every required parameter must be present, no
// unknown parameters are allowed, and each value must match its declared
// type. Memory references are deferred to dispatch time and accepted for
// any declared type.
func ValidateParameters(cap Capability, params map[string]any) error {
	for name, spec := range cap.Parameters {
		value, present := params[name]
		if !present {
			if spec.Required {
				return NewPlanningError(ErrCodeSchemaViolation,
					fmt.Sprintf("capability %s: missing required parameter %q", cap.Name, name))
			}
			continue
		}
		if _, isRef := MemoryRef(value); isRef {
			continue
		}
		if !typeMatches(spec.Type, value) {
			return NewPlanningError(ErrCodeSchemaViolation,
				fmt.Sprintf("capability %s: parameter %q must be of type %s", cap.Name, name, spec.Type))
		}
	}

	for name := range params {
		if _, known := cap.Parameters[name]; !known {
			return NewPlanningError(ErrCodeSchemaViolation,
				fmt.Sprintf("capability %s: unknown parameter %q", cap.Name, name))
		}
	}

	return nil
}

func typeMatches(t ParamType, value any) bool {
	switch t {
	case ParamString:
		_, ok := value.(string)
		return ok
	case ParamNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return true
		}
		return false
	case ParamBool:
		_, ok := value.(bool)
		return ok
	case ParamObject:
		_, ok := value.(map[string]any)
		return ok
	case ParamArray:
		_, ok := value.([]any)
		return ok
	default:
		return false
	}
}
