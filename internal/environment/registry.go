// Package environment holds the process-wide table mapping language identifiers to
// execution environment descriptors.
package environment

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dontdude/sandboxd/internal/domain"
)

type table map[string]domain.Environment

// Registry is the read-only environment table. Updates replace the whole table
// atomically; callers that already resolved an environment keep their copy.
type Registry struct {
	current atomic.Pointer[table]
}

// NewRegistry builds a registry from envs. It panics on an invalid table, which is
// only possible with programmer-supplied descriptors.
func NewRegistry(envs ...domain.Environment) *Registry {
	r := &Registry{}
	if err := r.Swap(envs); err != nil {
		panic(err)
	}
	return r
}

// Lookup resolves a language identifier. Identifiers are case-insensitive.
func (r *Registry) Lookup(language string) (domain.Environment, error) {
	t := r.current.Load()
	env, ok := (*t)[normalize(language)]
	if !ok {
		return domain.Environment{}, fmt.Errorf("%w: %q", domain.ErrUnknownLanguage, language)
	}
	return env, nil
}

// List returns every environment sorted by language.
func (r *Registry) List() []domain.Environment {
	t := r.current.Load()
	out := make([]domain.Environment, 0, len(*t))
	for _, env := range *t {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Language < out[j].Language })
	return out
}

// Swap validates envs and installs them as the new table in one step.
// On error the current table is left untouched.
func (r *Registry) Swap(envs []domain.Environment) error {
	next := make(table, len(envs))
	for _, env := range envs {
		env.Language = normalize(env.Language)
		if err := validate(env); err != nil {
			return err
		}
		if _, dup := next[env.Language]; dup {
			return fmt.Errorf("environment %q defined twice", env.Language)
		}
		next[env.Language] = env
	}
	r.current.Store(&next)
	return nil
}

// LoadFile reads an environments file and swaps it in.
func (r *Registry) LoadFile(path string) error {
	envs, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Swap(envs)
}

func validate(env domain.Environment) error {
	if env.Language == "" {
		return fmt.Errorf("environment without language")
	}
	if env.SourceFile == "" {
		return fmt.Errorf("environment %q: source_file is required", env.Language)
	}
	if env.SourceFile != filepath.Base(env.SourceFile) || env.SourceFile == ".." {
		return fmt.Errorf("environment %q: source_file must be a plain file name", env.Language)
	}
	if len(env.Command) == 0 && strings.TrimSpace(env.Run) == "" {
		return fmt.Errorf("environment %q: command or run is required", env.Language)
	}
	return nil
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
