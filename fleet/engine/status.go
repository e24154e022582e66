package engine

import (
	"context"

	"github.com/issdandavis/spiralverse-protocol/fleet/directory"
	"github.com/issdandavis/spiralverse-protocol/fleet/dispatch"
	"github.com/issdandavis/spiralverse-protocol/fleet/swarm"
	"github.com/issdandavis/spiralverse-protocol/internal/scheduler"
	"github.com/issdandavis/spiralverse-protocol/types"
)

// Status is a point-in-time summary of the fleet.
type Status struct {
	Agents map[types.AgentStatus]int `json:"agents"`
	Tasks  map[types.TaskStatus]int  `json:"tasks"`
	Swarms []swarm.Aggregate         `json:"swarms"`
	Jobs   []scheduler.JobStats      `json:"jobs"`
}

// Status collects agent and task counts by status, every swarm's
// aggregate and the scheduler's job statistics.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	agents, err := e.Directory.List(ctx, directory.ListFilter{})
	if err != nil {
		return Status{}, err
	}
	tasks, err := e.Dispatcher.List(ctx, dispatch.ListFilter{})
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Agents: make(map[types.AgentStatus]int),
		Tasks:  make(map[types.TaskStatus]int),
		Jobs:   e.Scheduler.Stats(),
	}
	for _, a := range agents {
		st.Agents[a.Status]++
	}
	for _, t := range tasks {
		st.Tasks[t.Status]++
	}
	for _, id := range e.Swarm.Swarms() {
		agg, err := e.Swarm.Aggregate(id)
		if err != nil {
			return Status{}, err
		}
		st.Swarms = append(st.Swarms, agg)
	}
	return st, nil
}
