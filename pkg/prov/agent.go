// Package prov models the provenance of changes made to MIDAS records:
// who made a change (Agent) and what was done (Action).
package prov

import (
	"encoding/json"
	"fmt"
	"sort"
)

// AgentClass categorizes the trust level of an acting agent.
type AgentClass string

const (
	// PublicClass marks ordinary, unprivileged users.
	PublicClass AgentClass = "public"
	// AdminClass marks agents allowed to act on behalf of other users.
	AdminClass AgentClass = "admin"
	// InvalidClass marks agents whose identity could not be established.
	InvalidClass AgentClass = "invalid"
)

// Anonymous is the actor identifier used when no identity was presented.
const Anonymous = "anonymous"

// PublicGroup is the virtual group every actor implicitly belongs to.
const PublicGroup = "grp0:public"

// Agent identifies who requested a change: the software vehicle the request
// came through and the actor it was made on behalf of. Agents may carry a
// delegation chain when one service forwards a request for another.
type Agent struct {
	vehicle  string
	actor    string
	class    AgentClass
	groups   map[string]struct{}
	delegate []string
	props    map[string]any
}

// NewAgent creates an Agent. The delegation chain, if given, lists upstream
// agent identifiers ordered from the original requester outward.
func NewAgent(vehicle string, class AgentClass, actor string, delegation ...string) *Agent {
	if actor == "" {
		actor = Anonymous
	}
	return &Agent{
		vehicle:  vehicle,
		actor:    actor,
		class:    class,
		groups:   make(map[string]struct{}),
		delegate: append([]string{}, delegation...),
		props:    make(map[string]any),
	}
}

// Vehicle returns the identifier of the software the request came through.
func (a *Agent) Vehicle() string { return a.vehicle }

// Actor returns the identifier of the user the agent acts for.
func (a *Agent) Actor() string { return a.actor }

// Class returns the agent's trust class.
func (a *Agent) Class() AgentClass { return a.class }

// ID renders the agent as a single identifier of the form vehicle/actor.
func (a *Agent) ID() string { return a.vehicle + "/" + a.actor }

// Delegation returns the chain of upstream agent identifiers.
func (a *Agent) Delegation() []string { return append([]string{}, a.delegate...) }

// NewVehicle returns a copy of this agent re-sent through another vehicle,
// extending the delegation chain with this agent's identifier.
func (a *Agent) NewVehicle(vehicle string) *Agent {
	out := NewAgent(vehicle, a.class, a.actor, append(a.Delegation(), a.ID())...)
	for g := range a.groups {
		out.groups[g] = struct{}{}
	}
	for k, v := range a.props {
		out.props[k] = v
	}
	return out
}

// Groups returns the sorted set of groups the actor is known to belong to.
// The public group is always included.
func (a *Agent) Groups() []string {
	out := make([]string, 0, len(a.groups)+1)
	seen := false
	for g := range a.groups {
		if g == PublicGroup {
			seen = true
		}
		out = append(out, g)
	}
	if !seen {
		out = append(out, PublicGroup)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether the actor belongs to the named group. Every
// actor is a member of the public group.
func (a *Agent) IsMember(group string) bool {
	if group == PublicGroup {
		return true
	}
	_, ok := a.groups[group]
	return ok
}

// AddGroup records group memberships for the actor.
func (a *Agent) AddGroup(groups ...string) {
	for _, g := range groups {
		if g != "" {
			a.groups[g] = struct{}{}
		}
	}
}

// Property returns an arbitrary typed property attached to the agent.
func (a *Agent) Property(name string) (any, bool) {
	v, ok := a.props[name]
	return v, ok
}

// SetProperty attaches an arbitrary property to the agent.
func (a *Agent) SetProperty(name string, value any) {
	a.props[name] = value
}

type agentJSON struct {
	Vehicle    string         `json:"vehicle"`
	Actor      string         `json:"userid"`
	Class      AgentClass     `json:"class"`
	Groups     []string       `json:"groups,omitempty"`
	Delegation []string       `json:"delegated,omitempty"`
	Props      map[string]any `json:"props,omitempty"`
}

// MarshalJSON renders the agent in its persisted form.
func (a *Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentJSON{
		Vehicle:    a.vehicle,
		Actor:      a.actor,
		Class:      a.class,
		Groups:     a.Groups(),
		Delegation: a.delegate,
		Props:      a.props,
	})
}

// UnmarshalJSON restores an agent from its persisted form.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var aj agentJSON
	if err := json.Unmarshal(data, &aj); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if aj.Class == "" {
		aj.Class = InvalidClass
	}
	restored := NewAgent(aj.Vehicle, aj.Class, aj.Actor, aj.Delegation...)
	restored.AddGroup(aj.Groups...)
	if aj.Props != nil {
		restored.props = aj.Props
	}
	*a = *restored
	return nil
}
