// Package permission enforces project isolation. Every service operation
// names a principal and a project; the gate decides whether the principal
// holds the required level on that project. Levels are strictly ordered
// and grants are static, loaded from configuration at startup.
package permission

import (
	"fmt"
	"sync"

	"github.com/jetgogoing/calude-memory-mcp-sub001/internal/types"
)

// =============================================================================
// LEVELS
// =============================================================================

// Level is an access tier. Higher levels include every lower one.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelAdmin
	LevelOwner
)

var levelNames = map[Level]string{
	LevelNone:  "none",
	LevelRead:  "read",
	LevelWrite: "write",
	LevelAdmin: "admin",
	LevelOwner: "owner",
}

func (l Level) String() string {
	if n, ok := levelNames[l]; ok {
		return n
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel resolves a level name.
func ParseLevel(name string) (Level, error) {
	for l, n := range levelNames {
		if n == name {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("%w: unknown permission level %q", types.ErrInputInvalid, name)
}

// =============================================================================
// GATE
// =============================================================================

// Config is the gate policy.
type Config struct {
	// IsolationMode is "strict" (explicit grants only) or "open" (any
	// principal gets write on any project; grants can still raise levels).
	IsolationMode string
	// CrossProjectSearch allows read-level search to span projects.
	CrossProjectSearch bool
	// SystemPrincipal is the internal identity used by background jobs;
	// it holds owner on everything.
	SystemPrincipal string
}

// Gate answers permission checks.
type Gate struct {
	cfg Config

	mu     sync.RWMutex
	grants map[string]map[string]Level // principal -> project -> level
}

// NewGate creates a gate with no grants.
func NewGate(cfg Config) *Gate {
	if cfg.SystemPrincipal == "" {
		cfg.SystemPrincipal = "system"
	}
	if cfg.IsolationMode == "" {
		cfg.IsolationMode = "strict"
	}
	return &Gate{
		cfg:    cfg,
		grants: make(map[string]map[string]Level),
	}
}

// Grant gives principal the level on project, replacing any prior grant.
func (g *Gate) Grant(principal, projectID string, level Level) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byProject, ok := g.grants[principal]
	if !ok {
		byProject = make(map[string]Level)
		g.grants[principal] = byProject
	}
	byProject[projectID] = level
}

// LevelFor returns the effective level of principal on project.
func (g *Gate) LevelFor(principal, projectID string) Level {
	if principal == g.cfg.SystemPrincipal {
		return LevelOwner
	}

	g.mu.RLock()
	granted := g.grants[principal][projectID]
	g.mu.RUnlock()

	if g.cfg.IsolationMode == "open" && granted < LevelWrite {
		return LevelWrite
	}
	return granted
}

// Check returns ErrPermissionDenied unless principal holds at least the
// required level on the project.
func (g *Gate) Check(principal, projectID string, required Level) error {
	if principal == "" {
		return fmt.Errorf("%w: principal is required", types.ErrInputInvalid)
	}
	if projectID == "" {
		return fmt.Errorf("%w: project id is required", types.ErrInputInvalid)
	}
	if held := g.LevelFor(principal, projectID); held < required {
		return fmt.Errorf("%w: %s holds %s on project %s, %s required",
			types.ErrPermissionDenied, principal, held, projectID, required)
	}
	return nil
}

// CanSearchAcrossProjects reports whether principal may run one search
// over every project it can read. Requires the global switch; the system
// principal is always allowed.
func (g *Gate) CanSearchAcrossProjects(principal string) bool {
	if principal == g.cfg.SystemPrincipal {
		return true
	}
	return g.cfg.CrossProjectSearch
}

// ReadableProjects filters projectIDs down to those principal can read.
func (g *Gate) ReadableProjects(principal string, projectIDs []string) []string {
	var out []string
	for _, id := range projectIDs {
		if g.Check(principal, id, LevelRead) == nil {
			out = append(out, id)
		}
	}
	return out
}
