// Package workflow contains the run state machine, the engine that drives a
// run through the four pipeline stages, and the executor that owns live runs.
package workflow

import (
	"fmt"

	"github.com/anzen-health/anzen/internal/model"
)

// transitions is the adjacency list of the run state machine. Any live state
// may additionally move to failed or cancelled; terminal states have no
// outgoing edges.
var transitions = map[model.RunStatus][]model.RunStatus{
	model.RunStatusPending:      {model.RunStatusRunning},
	model.RunStatusRunning:      {model.RunStatusIntake},
	model.RunStatusIntake:       {model.RunStatusRetrieval},
	model.RunStatusRetrieval:    {model.RunStatusSynthesis},
	model.RunStatusSynthesis:    {model.RunStatusVerification},
	model.RunStatusVerification: {model.RunStatusCompleted, model.RunStatusAbstained},
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Failed and cancelled are reachable from every live
// state; nothing leaves a terminal state.
func CanTransition(from, to model.RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == model.RunStatusFailed || to == model.RunStatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stageStatus maps a pipeline stage to the run status that represents it.
func stageStatus(stage model.Stage) model.RunStatus {
	switch stage {
	case model.StageIntake:
		return model.RunStatusIntake
	case model.StageRetrieval:
		return model.RunStatusRetrieval
	case model.StageSynthesis:
		return model.RunStatusSynthesis
	case model.StageVerification:
		return model.RunStatusVerification
	}
	panic(fmt.Sprintf("workflow: unknown stage %q", stage))
}
