// Package probe abstracts the sensors a compiled ruleset is pushed to.
package probe

import (
	"context"
)

// Deployment is what a backend reports after pushing a ruleset.
type Deployment struct {
	Backend string   `json:"backend"`
	Probes  []string `json:"probes"`
	Failed  []string `json:"failed,omitempty"`
}

// Backend is a set of probes capable of loading compiled rules.
type Backend interface {
	Name() string
	// Hostnames lists the probes the backend can reach.
	Hostnames(ctx context.Context) ([]string, error)
	// Deploy pushes the rules and threshold documents of ruleset name to every probe.
	Deploy(ctx context.Context, name string, rules, thresholds []byte) (*Deployment, error)
}

// Null is used when no probe backend is configured.
type Null struct{}

func (Null) Name() string { return "none" }

func (Null) Hostnames(context.Context) ([]string, error) { return []string{}, nil }

func (Null) Deploy(_ context.Context, _ string, _, _ []byte) (*Deployment, error) {
	return &Deployment{Backend: "none", Probes: []string{}}, nil
}
