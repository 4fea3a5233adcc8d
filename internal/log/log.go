package log

const (
	NamespaceKey = "orca"

	InstanceIDKey   = NamespaceKey + ".instance.id"
	DefinitionIDKey = NamespaceKey + ".definition.id"

	TaskIDKey    = NamespaceKey + ".task.id"
	NodeCodeKey  = NamespaceKey + ".task.node"
	TaskStateKey = NamespaceKey + ".task.state"

	EventKindKey = NamespaceKey + ".event.kind"
	EventIDKey   = NamespaceKey + ".event.id"

	WorkerHostKey  = NamespaceKey + ".worker.host"
	WorkerGroupKey = NamespaceKey + ".worker.group"

	CommandTypeKey = NamespaceKey + ".command.type"

	AttemptKey = NamespaceKey + ".attempt"
	CauseKey   = NamespaceKey + ".cause"
)
