package bus

import "fmt"

// Key patterns for the coordination KV bucket and subject patterns for
// observability events.

func KeyAgent(team, role, instanceID string) string {
	return fmt.Sprintf("agents.%s.%s.%s", team, role, instanceID)
}

func KeyHeartbeat(team, role, instanceID string) string {
	return fmt.Sprintf("agents.%s.%s.%s.heartbeat", team, role, instanceID)
}

func KeyInbox(instanceID string) string {
	return fmt.Sprintf("messages.direct.%s", instanceID)
}

func KeyTeamInbox(team string) string {
	return fmt.Sprintf("messages.teams.%s", team)
}

func KeyConfirmations(instanceID string) string {
	return fmt.Sprintf("confirmations.%s", instanceID)
}

func KeyTask(taskID string) string {
	return fmt.Sprintf("tasks.%s", taskID)
}

func KeyTeamMembers(team string) string {
	return fmt.Sprintf("teams.%s.members", team)
}

const (
	KeySystemInbox    = "messages.system"
	KeyLauncherStatus = "system.launcher_status"
)

func TopicAgentEvents(instanceID string) string {
	return fmt.Sprintf("events.agent.%s", instanceID)
}

func TopicTaskEvents(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

const (
	TopicLauncherEvents = "events.launcher"
	TopicEventsAll      = "events.>"
	TopicEventsTask     = "events.task.*"
	TopicEventsAgent    = "events.agent.*"

	// Request/reply subjects served by the running daemon for the
	// --status and --stop control commands.
	TopicControlStatus = "launcher.control.status"
	TopicControlStop   = "launcher.control.stop"
)
