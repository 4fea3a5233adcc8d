package metrickeys

const (
	Prefix = "orca."

	WorkflowInstanceCreated  = Prefix + "workflow.created"
	WorkflowInstanceFinished = Prefix + "workflow.finished"

	EventReceived  = Prefix + "event.received"
	EventProcessed = Prefix + "event.processed"
	EventDuplicate = Prefix + "event.duplicate"
	EventDropped   = Prefix + "event.dropped"
	EventQueueTime = Prefix + "event.time_in_queue"

	TaskDispatched        = Prefix + "task.dispatched"
	TaskRedispatched      = Prefix + "task.redispatched"
	TaskDispatchExhausted = Prefix + "task.dispatch_exhausted"
	TaskTerminal          = Prefix + "task.terminal"
	TaskRetried           = Prefix + "task.retried"
	TaskInconsistentEvent = Prefix + "task.inconsistent_event"
)

// Tag names
const (
	EventKind  = "kind"
	TaskState  = "state"
	WorkerHost = "host"
	Reason     = "reason"
)
