// Package witness implements the rig's fault-detection scan. Patrol reads
// agents and beads and reports dead agents, agents whose heartbeat has gone
// quiet, and in-progress beads nobody alive is working on. It never writes;
// the scheduler decides what to do with the findings.
package witness

import (
	"context"
	"fmt"
	"time"

	"rigd/pkg/protocol"
	"rigd/pkg/store"
)

// Source is the read access Patrol needs. *store.Tx satisfies it.
type Source interface {
	ListAgents(ctx context.Context, f store.AgentFilter) ([]protocol.Agent, error)
	ListBeads(ctx context.Context, f store.BeadFilter) ([]protocol.Bead, error)
}

// Report is the result of one patrol. The id lists are never nil.
type Report struct {
	DeadAgents    []string  `json:"dead_agents"`
	StaleAgents   []string  `json:"stale_agents"`
	OrphanedBeads []string  `json:"orphaned_beads"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Clean reports whether the patrol found nothing.
func (r *Report) Clean() bool {
	return len(r.DeadAgents) == 0 && len(r.StaleAgents) == 0 && len(r.OrphanedBeads) == 0
}

// Patrol scans src at time now. An agent is stale when it is not dead and
// its last heartbeat is older than staleAfter; agents that never sent one
// are not stale. A bead is orphaned when it is in_progress and its assignee
// is dead, unknown, or unset.
func Patrol(ctx context.Context, src Source, now time.Time, staleAfter time.Duration) (*Report, error) {
	agents, err := src.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("patrol list agents: %w", err)
	}
	beads, err := src.ListBeads(ctx, store.BeadFilter{Status: protocol.BeadInProgress})
	if err != nil {
		return nil, fmt.Errorf("patrol list beads: %w", err)
	}

	r := &Report{
		DeadAgents:    []string{},
		StaleAgents:   []string{},
		OrphanedBeads: []string{},
		CheckedAt:     now,
	}

	known := make(map[string]protocol.AgentStatus, len(agents))
	for i := range agents {
		a := &agents[i]
		known[a.ID] = a.Status
		if a.Status == protocol.AgentDead {
			r.DeadAgents = append(r.DeadAgents, a.ID)
			continue
		}
		if staleAfter > 0 && a.LastActivityAt != nil && now.Sub(*a.LastActivityAt) > staleAfter {
			r.StaleAgents = append(r.StaleAgents, a.ID)
		}
	}

	for i := range beads {
		b := &beads[i]
		status, ok := known[b.AssigneeAgentID]
		if b.AssigneeAgentID == "" || !ok || status == protocol.AgentDead {
			r.OrphanedBeads = append(r.OrphanedBeads, b.ID)
		}
	}
	return r, nil
}
