package replication

import (
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

const (
	stateBlocked = "BLOCKED"
	stateError   = "ERROR"
)

// AgentSet is a snapshot of the distribution agents known to an instance,
// keyed by agent name. An AgentSet is built fresh on every fetch and is not
// modified after parsing.
type AgentSet map[string]*Agent

// Get returns the named agent, or nil.
func (s AgentSet) Get(name string) *Agent { return s[name] }

// Has reports whether the named agent is present.
func (s AgentSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Blocked reports whether the named agent is present and blocked.
func (s AgentSet) Blocked(name string) bool {
	a, ok := s[name]
	return ok && a.IsBlocked()
}

// Names returns the sorted agent names.
func (s AgentSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String dumps the snapshot as JSON for diagnostics.
func (s AgentSet) String() string { return dump(s) }

// Agent is a single distribution agent.
type Agent struct {
	Name   string            `json:"name"`
	State  string            `json:"state"`
	Queues map[string]*Queue `json:"queues"`
}

// IsBlocked reports whether the agent itself is blocked, regardless of the
// state of its queues.
func (a *Agent) IsBlocked() bool {
	return strings.EqualFold(a.State, stateBlocked)
}

// BlockedQueues returns the sorted ids of the agent's blocked queues.
func (a *Agent) BlockedQueues() []string {
	var ids []string
	for id, q := range a.Queues {
		if q.IsBlocked() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindPackages returns the packages of non-empty queues which reference path
// and match id. See Package.Matches for the id rules.
func (a *Agent) FindPackages(path, id string) []*Package {
	var found []*Package
	for _, qid := range a.queueIDs() {
		q := a.Queues[qid]
		if q.Empty {
			continue
		}
		for _, pid := range q.packageIDs() {
			if p := q.Packages[pid]; p.Matches(path, id) {
				found = append(found, p)
			}
		}
	}
	return found
}

// ContainsPath reports whether any non-empty queue of the agent still holds a
// package for path and id.
func (a *Agent) ContainsPath(path, id string) bool {
	return len(a.FindPackages(path, id)) > 0
}

// String dumps the agent as JSON for diagnostics.
func (a *Agent) String() string { return dump(a) }

func (a *Agent) queueIDs() []string {
	ids := make([]string, 0, len(a.Queues))
	for id := range a.Queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Queue is a queue of an agent. An empty queue is never inspected for
// packages, whatever its item count says.
type Queue struct {
	ID         string              `json:"id"`
	State      string              `json:"state"`
	ItemsCount int                 `json:"itemsCount"`
	Empty      bool                `json:"empty"`
	Packages   map[string]*Package `json:"packages,omitempty"`
}

// IsBlocked reports whether the queue is blocked.
func (q *Queue) IsBlocked() bool {
	return strings.EqualFold(q.State, stateBlocked)
}

func (q *Queue) packageIDs() []string {
	ids := make([]string, 0, len(q.Packages))
	for id := range q.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package is a distribution package waiting in a queue.
type Package struct {
	ID           string   `json:"id"`
	PkgID        string   `json:"pkgId"`
	Paths        []string `json:"paths"`
	State        string   `json:"state"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	Attempts     int      `json:"attempts"`
	Action       string   `json:"action"`
	UserID       string   `json:"userid"`
	Time         string   `json:"time"`
	Size         int64    `json:"size"`
}

// IsBlocked reports whether the package is in the ERROR state.
func (p *Package) IsBlocked() bool {
	return strings.EqualFold(p.State, stateError)
}

// HasPath reports whether the package references path.
func (p *Package) HasPath(path string) bool {
	for _, pp := range p.Paths {
		if pp == path {
			return true
		}
	}
	return false
}

// Matches reports whether the package references path and carries id. The id
// is only compared when both id and the package's PkgID are non-empty.
func (p *Package) Matches(path, id string) bool {
	if !p.HasPath(path) {
		return false
	}
	if id == "" || p.PkgID == "" {
		return true
	}
	return p.PkgID == id
}

func dump(v interface{}) string {
	bb, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(bb)
}
