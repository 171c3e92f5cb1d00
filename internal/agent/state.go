package agent

import "github.com/joescharf/askdb/internal/tools"

// State is a step of the orchestration protocol.
type State string

const (
	StateStart          State = "START"
	StateDiscoverTables State = "DISCOVER_TABLES"
	StateInspectSchema  State = "INSPECT_SCHEMA"
	StateFormulate      State = "FORMULATE"
	StateValidate       State = "VALIDATE"
	StateExecute        State = "EXECUTE"
	StateErrorRecovery  State = "ERROR_RECOVERY"
	StateAnswer         State = "ANSWER"
	StateExhausted      State = "EXHAUSTED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateAnswer || s == StateExhausted
}

// dispatchState is the state entered when a tool is dispatched. The order
// is recommended to the oracle, not enforced: any tool may be called from
// any non-terminal state.
var dispatchState = map[tools.Name]State{
	tools.ListTables:   StateDiscoverTables,
	tools.TablesSchema: StateInspectSchema,
	tools.QueryChecker: StateValidate,
	tools.ExecuteQuery: StateExecute,
}

// afterSuccess is the state after a tool succeeds. Only schema inspection
// moves on; the others stay until the oracle's next step.
func afterSuccess(name tools.Name) State {
	if name == tools.TablesSchema {
		return StateFormulate
	}
	return dispatchState[name]
}
