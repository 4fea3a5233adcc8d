package core

// CommandType classifies workflow commands submitted through the API layer.
type CommandType int

const (
	// CommandTypeStart runs a fresh instance of a definition.
	CommandTypeStart CommandType = iota
	// CommandTypeRerun re-executes a previously finished instance from scratch.
	CommandTypeRerun
	// CommandTypeRecover resumes a failed or interrupted instance; nodes
	// already in a terminal Success state are not re-dispatched.
	CommandTypeRecover
	// CommandTypeKill stops a running instance and its in-flight tasks.
	CommandTypeKill
)

func (c CommandType) String() string {
	switch c {
	case CommandTypeStart:
		return "Start"
	case CommandTypeRerun:
		return "Rerun"
	case CommandTypeRecover:
		return "Recover"
	case CommandTypeKill:
		return "Kill"
	default:
		return "Unknown"
	}
}

// Command is a workflow-level instruction. Commands reach the engine through
// an already-authorized path; the engine does not re-check permissions.
type Command struct {
	Type CommandType

	// DefinitionID is set for Start commands.
	DefinitionID string

	// InstanceID is set for Rerun, Recover and Kill commands.
	InstanceID string
}
