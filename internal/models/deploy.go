package models

import (
	"fmt"
	"time"
)

// Scope selects which sub-deployments run for a host.
type Scope string

// Deployment scopes.
const (
	ScopeAll     Scope = "all"
	ScopeScript  Scope = "script"
	ScopeModules Scope = "modules"
)

// IncludesScript reports whether the script stage runs.
func (s Scope) IncludesScript() bool {
	return s == ScopeAll || s == ScopeScript
}

// IncludesModules reports whether the module stage runs.
func (s Scope) IncludesModules() bool {
	return s == ScopeAll || s == ScopeModules
}

// ParseScope converts the CLI scope flags into a Scope.
func ParseScope(scriptOnly, modulesOnly bool) (Scope, error) {
	switch {
	case scriptOnly && modulesOnly:
		return "", fmt.Errorf("--script-only and --modules-only are mutually exclusive")
	case scriptOnly:
		return ScopeScript, nil
	case modulesOnly:
		return ScopeModules, nil
	default:
		return ScopeAll, nil
	}
}

// HostStatus is the coordinator verdict for a host.
type HostStatus string

// Host statuses.
const (
	StatusSuccess HostStatus = "SUCCESS"
	StatusPartial HostStatus = "PARTIAL"
	StatusFailed  HostStatus = "FAILED"
)

// HostOutcome holds the result of deploying to one host.
type HostOutcome struct {
	Host       string
	Status     HostStatus
	Reachable  bool
	ScriptRan  bool
	ScriptErr  error
	ModulesRan bool
	ModulesErr error
	Duration   time.Duration
	FailedStep string
}

// Success reports whether every selected stage succeeded.
func (o HostOutcome) Success() bool {
	return o.Status == StatusSuccess
}

// FleetReport holds the outcomes of a run in target order.
type FleetReport struct {
	Scope     Scope
	DryRun    bool
	StartTime time.Time
	Duration  time.Duration
	Outcomes  []HostOutcome
}

// Failed returns the names of hosts that did not succeed.
func (r FleetReport) Failed() []string {
	var failed []string
	for _, o := range r.Outcomes {
		if !o.Success() {
			failed = append(failed, o.Host)
		}
	}
	return failed
}

// Success reports whether every targeted host succeeded.
func (r FleetReport) Success() bool {
	return len(r.Failed()) == 0
}
