package lifecycle

import (
	"github.com/agentdeck/agentdeck/internal/orchestrator/bridge"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// State is the closed sum over an agent's lifecycle states. States that own
// live resources carry them explicitly, so a runtime can only exist where the
// lifecycle allows one. Transitions happen only inside Agent; nothing else
// mutates the variant.
type State interface {
	Status() v1.AgentStatus
	// Runtime returns the live subprocess for runtime-bearing states,
	// nil otherwise.
	Runtime() bridge.Runtime

	isState()
}

// Uninitialized means no process exists yet. The handle (held on the Agent)
// is all there is; the first prompt triggers a launch.
type Uninitialized struct{}

func (Uninitialized) Status() v1.AgentStatus { return v1.StatusUninitialized }
func (Uninitialized) Runtime() bridge.Runtime { return nil }
func (Uninitialized) isState() {}

// Initializing is an in-flight launch. Done is closed when the launch
// resolves, whichever way it resolves.
type Initializing struct {
	Done chan struct{}
}

func (Initializing) Status() v1.AgentStatus { return v1.StatusInitializing }
func (Initializing) Runtime() bridge.Runtime { return nil }
func (Initializing) isState() {}

// Ready holds a live runtime with no turn in flight.
type Ready struct {
	RT bridge.Runtime
}

func (s Ready) Status() v1.AgentStatus { return v1.StatusReady }
func (s Ready) Runtime() bridge.Runtime { return s.RT }
func (Ready) isState() {}

// Processing holds a live runtime with a turn in flight.
type Processing struct {
	RT bridge.Runtime
}

func (s Processing) Status() v1.AgentStatus { return v1.StatusProcessing }
func (s Processing) Runtime() bridge.Runtime { return s.RT }
func (Processing) isState() {}

// Completed holds a live runtime after a turn ended normally.
type Completed struct {
	RT         bridge.Runtime
	StopReason string
}

func (s Completed) Status() v1.AgentStatus { return v1.StatusCompleted }
func (s Completed) Runtime() bridge.Runtime { return s.RT }
func (Completed) isState() {}

// Failed records the last error. RT is non-nil only when the process is
// still partially alive (a turn failed without the process dying).
type Failed struct {
	RT  bridge.Runtime
	Err string
}

func (s Failed) Status() v1.AgentStatus { return v1.StatusFailed }
func (s Failed) Runtime() bridge.Runtime { return s.RT }
func (Failed) isState() {}

// Killed is terminal and carries nothing.
type Killed struct{}

func (Killed) Status() v1.AgentStatus { return v1.StatusKilled }
func (Killed) Runtime() bridge.Runtime { return nil }
func (Killed) isState() {}
