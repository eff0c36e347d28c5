// Package events provides event types and utilities for the agentmux event system.
package events

// Event types for executions
const (
	ExecutionSubmitted = "execution.submitted"
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
)

// Event types for agent instances
const (
	InstanceCreated = "instance.created"
	InstanceEvicted = "instance.evicted"
)

// Event types for agents
const (
	AgentCreated = "agent.created"
	AgentUpdated = "agent.updated"
	AgentDeleted = "agent.deleted"
)

// Event types for the message queue
const (
	QueueDeadLetter = "queue.deadletter"
)

// SubjectPrefix namespaces every subject published by this service.
const SubjectPrefix = "agentmux."

// Subject builds the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// AllSubjects is the wildcard subscription covering every agentmux event.
func AllSubjects() string {
	return SubjectPrefix + ">"
}
