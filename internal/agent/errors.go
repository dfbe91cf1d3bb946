package agent

import coorderrors "github.com/coordcore/sessioncore/internal/errors"

func newAgentError(code coorderrors.Code, message, agentID string) error {
	return coorderrors.New(code, message).WithContext(map[string]interface{}{"agentId": agentID})
}

func newTaskError(code coorderrors.Code, message, taskID string) error {
	return coorderrors.New(code, message).WithContext(map[string]interface{}{"taskId": taskID})
}

func ErrAgentNotFound(agentID string) error {
	return newAgentError(coorderrors.CodeNotFound, "AGENT_NOT_FOUND", agentID)
}

func ErrAgentUnavailable(agentID string) error {
	return newAgentError(coorderrors.CodeFailedPrecondition, "AGENT_UNAVAILABLE", agentID)
}

func ErrTaskNotFound(taskID string) error {
	return newTaskError(coorderrors.CodeNotFound, "TASK_NOT_FOUND", taskID)
}

func ErrTaskAlreadyAssigned(taskID string) error {
	return newTaskError(coorderrors.CodeConflict, "TASK_ALREADY_ASSIGNED", taskID)
}

func ErrNoCandidateAgent(taskID string) error {
	return newTaskError(coorderrors.CodeFailedPrecondition, "NO_CANDIDATE_AGENT", taskID)
}

func ErrHandoffInProgress(sessionID string) error {
	return coorderrors.New(coorderrors.CodeConflict, "HANDOFF_IN_PROGRESS").WithContext(map[string]interface{}{"sessionId": sessionID})
}
