// Package deps checks the external model checkouts and conda
// environments the pipeline shells out to. Nothing here downloads
// anything; the checkpoints are tens of gigabytes and come with their
// own install scripts, so we only verify and point at the fix.
package deps

import (
	"context"
	"fmt"
	"sync"
)

// DependencyStatus represents the current state of a dependency.
type DependencyStatus string

const (
	StatusMissing   DependencyStatus = "missing"
	StatusInstalled DependencyStatus = "installed"
)

// Dependency represents an external checkout or environment the
// pipeline needs at runtime.
type Dependency struct {
	ID          string
	Name        string
	Description string

	// Optional indicates if this dependency is optional (doesn't block startup)
	Optional bool
	// InstallHint tells the operator how to fix a missing dependency
	InstallHint string

	// Check verifies the dependency and returns its version if known
	Check func(ctx context.Context) (exists bool, version string, err error)
}

// CheckResult is one dependency's status for the health endpoint.
type CheckResult struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      DependencyStatus `json:"status"`
	Version     string           `json:"version,omitempty"`
	Optional    bool             `json:"optional"`
	InstallHint string           `json:"install_hint,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// DependencyRegistry stores all registered dependencies.
type DependencyRegistry map[string]*Dependency

var (
	registry DependencyRegistry = make(DependencyRegistry)
	order    []string
	mu       sync.RWMutex
)

// Register adds a dependency to the global registry.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[dep.ID]; !exists {
		order = append(order, dep.ID)
	}
	registry[dep.ID] = dep
}

// Reset clears the registry. Used when configuration is reloaded.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(DependencyRegistry)
	order = nil
}

// GetAll returns all registered dependencies in registration order.
func GetAll() []*Dependency {
	mu.RLock()
	defer mu.RUnlock()

	deps := make([]*Dependency, 0, len(registry))
	for _, id := range order {
		deps = append(deps, registry[id])
	}
	return deps
}

// Get retrieves a dependency by its ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()

	dep, ok := registry[id]
	return dep, ok
}

// GetRequired returns all non-optional dependencies.
func GetRequired() []*Dependency {
	deps := make([]*Dependency, 0)
	for _, d := range GetAll() {
		if !d.Optional {
			deps = append(deps, d)
		}
	}
	return deps
}

// GetOptional returns all optional dependencies.
func GetOptional() []*Dependency {
	deps := make([]*Dependency, 0)
	for _, d := range GetAll() {
		if d.Optional {
			deps = append(deps, d)
		}
	}
	return deps
}

// EnsureAvailable checks a single dependency and returns an error with
// the install hint if it is missing.
func EnsureAvailable(ctx context.Context, depID string) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}

	exists, _, err := dep.Check(ctx)
	if err != nil {
		return fmt.Errorf("failed to check dependency %s: %w", depID, err)
	}

	if !exists {
		return fmt.Errorf("dependency %s is not installed (%s)", dep.Name, dep.InstallHint)
	}

	return nil
}

// CheckAnyMissing reports whether any required dependency is missing.
func CheckAnyMissing(ctx context.Context) bool {
	for _, dep := range GetRequired() {
		exists, _, err := dep.Check(ctx)
		if err != nil || !exists {
			return true
		}
	}
	return false
}

// GetMissingRequired returns all required dependencies that are not installed.
func GetMissingRequired(ctx context.Context) []*Dependency {
	deps := make([]*Dependency, 0)
	for _, d := range GetRequired() {
		exists, _, err := d.Check(ctx)
		if err != nil || !exists {
			deps = append(deps, d)
		}
	}
	return deps
}

// Report runs every registered check. Used by the health endpoint and
// the CLI preflight.
func Report(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0)
	for _, dep := range GetAll() {
		r := CheckResult{
			ID:       dep.ID,
			Name:     dep.Name,
			Status:   StatusMissing,
			Optional: dep.Optional,
		}
		exists, version, err := dep.Check(ctx)
		if err != nil {
			r.Error = err.Error()
		}
		if exists {
			r.Status = StatusInstalled
			r.Version = version
		} else {
			r.InstallHint = dep.InstallHint
		}
		results = append(results, r)
	}
	return results
}
