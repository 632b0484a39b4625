package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arkeep-io/arkeep/server/internal/apperr"
	"github.com/arkeep-io/arkeep/server/internal/registry"
	"github.com/arkeep-io/arkeep/server/internal/repository"
	"github.com/arkeep-io/arkeep/server/internal/terminal"
)

// AgentDispatcher implements Dispatcher by signing a one-off
// execute_command envelope through C7 and delivering it to the target's
// agent socket through C4, exactly the path spec.md §4.4 describes:
// "Orchestrator jobs acquire a system-user session with that single
// capability for the duration of the dispatch, then sign the execute
// envelope with the per-machine secret."
type AgentDispatcher struct {
	registry *registry.Registry
	terminal *terminal.Service
}

// NewAgentDispatcher creates an AgentDispatcher.
func NewAgentDispatcher(reg *registry.Registry, term *terminal.Service) *AgentDispatcher {
	return &AgentDispatcher{registry: reg, terminal: term}
}

// IsConnected implements Dispatcher.
func (d *AgentDispatcher) IsConnected(machineID uuid.UUID) bool {
	return d.registry.IsAgentConnected(machineID)
}

// DispatchCommand implements Dispatcher.
func (d *AgentDispatcher) DispatchCommand(ctx context.Context, machineID, commandID uuid.UUID, command string) error {
	token, err := d.terminal.IssueCommandSession(ctx, machineID)
	if err != nil {
		return fmt.Errorf("orchestrator: issuing command session: %w", err)
	}

	payload := map[string]string{"commandId": commandID.String(), "command": command}
	envelope, err := d.terminal.BuildSignedEnvelope("execute_command", token.ID, machineID, payload)
	if err != nil {
		return fmt.Errorf("orchestrator: signing execute envelope: %w", err)
	}

	return d.registry.DispatchToAgent(machineID, "execute_command", envelope)
}

// CancelCommand best-effort delivers a cancel_command envelope, used by
// AbortJob's kill switch for executions already running.
func (d *AgentDispatcher) CancelCommand(ctx context.Context, machineID, commandID uuid.UUID) error {
	token, err := d.terminal.IssueCommandSession(ctx, machineID)
	if err != nil {
		return fmt.Errorf("orchestrator: issuing cancel session: %w", err)
	}

	payload := map[string]string{"commandId": commandID.String()}
	envelope, err := d.terminal.BuildSignedEnvelope("cancel_command", token.ID, machineID, payload)
	if err != nil {
		return fmt.Errorf("orchestrator: signing cancel envelope: %w", err)
	}

	return d.registry.DispatchToAgent(machineID, "cancel_command", envelope)
}

// MachineResolver implements TargetResolver over the machine inventory.
// "group" and "dynamic" targets both reduce to a hostname substring filter:
// the persisted schema carries no separate tags/cohort table, so a named
// cohort is, in practice, whatever substring of the hostname the caller
// agreed to use as its group name.
type MachineResolver struct {
	machines repository.MachineRepository
}

// NewMachineResolver creates a MachineResolver.
func NewMachineResolver(machines repository.MachineRepository) *MachineResolver {
	return &MachineResolver{machines: machines}
}

// ResolveTargets implements TargetResolver.
func (r *MachineResolver) ResolveTargets(ctx context.Context, spec TargetSpec) ([]uuid.UUID, error) {
	switch spec.Kind {
	case "adhoc":
		ids := make([]uuid.UUID, 0, len(spec.MachineIDs))
		for _, raw := range spec.MachineIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, apperr.New(apperr.KindBadRequest, "invalid machine id in target: "+raw)
			}
			ids = append(ids, id)
		}
		return ids, nil

	case "group", "dynamic":
		return r.resolveByFilter(ctx, spec)

	default:
		return nil, apperr.New(apperr.KindBadRequest, "unknown target kind: "+spec.Kind)
	}
}

func (r *MachineResolver) resolveByFilter(ctx context.Context, spec TargetSpec) ([]uuid.UUID, error) {
	filter := spec.Group
	if spec.Kind == "dynamic" {
		filter = spec.Query
	}

	machines, _, err := r.machines.List(ctx, repository.ListOptions{Limit: 10000})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: listing machines for target resolution: %w", err)
	}

	needle := strings.ToLower(filter)
	ids := make([]uuid.UUID, 0, len(machines))
	for _, m := range machines {
		if needle == "" || strings.Contains(strings.ToLower(m.Hostname), needle) {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}
