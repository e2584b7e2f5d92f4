// Package api holds the JSON wire types exchanged between agents, the
// operator CLI and the dispatch server, plus the agent-side HTTP client.
package api

import "time"

const (
	PathPrefix    = "/api/v1"
	RegisterPath  = PathPrefix + "/agent/register"
	HeartbeatPath = PathPrefix + "/agent/heartbeat"
	HealthPath    = PathPrefix + "/health"
)

// ReportPath returns the result endpoint for an action.
func ReportPath(actionID int64) string {
	return PathPrefix + "/agent/actions/" + itoa(actionID) + "/result"
}

type RegisterRequest struct {
	EnrollmentToken string  `json:"enrollment_token"`
	Hostname        string  `json:"hostname"`
	OSType          *string `json:"os_type,omitempty"`
	OSVersion       *string `json:"os_version,omitempty"`
	OSDescription   *string `json:"os_description,omitempty"`
	HardwareSummary *string `json:"hardware_summary,omitempty"`
}

type RegisterResponse struct {
	DeviceID            int64 `json:"device_id"`
	PollIntervalSeconds int   `json:"poll_interval_seconds"`
}

type HeartbeatRequest struct {
	DeviceID        int64   `json:"device_id"`
	Status          string  `json:"status"`
	OSVersion       *string `json:"os_version,omitempty"`
	HardwareSummary *string `json:"hardware_summary,omitempty"`
}

// AgentAction is one queued action as delivered to an agent.
type AgentAction struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Payload *string `json:"payload,omitempty"`
}

type HeartbeatResponse struct {
	Actions             []AgentAction `json:"actions"`
	PollIntervalSeconds *int          `json:"poll_interval_seconds,omitempty"`
}

type ActionResultRequest struct {
	DeviceID    *int64     `json:"device_id,omitempty"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Logs        *string    `json:"logs,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Device is the operator view of a device.
type Device struct {
	ID              int64      `json:"id"`
	Hostname        string     `json:"hostname"`
	OSType          string     `json:"os_type,omitempty"`
	OSVersion       string     `json:"os_version,omitempty"`
	OSDescription   string     `json:"os_description,omitempty"`
	HardwareSummary string     `json:"hardware_summary,omitempty"`
	Status          string     `json:"status"`
	LastCheckIn     *time.Time `json:"last_check_in,omitempty"`
	ProfileID       *int64     `json:"profile_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Action is the operator view of an action.
type Action struct {
	ID          int64      `json:"id"`
	DeviceID    int64      `json:"device_id"`
	Type        string     `json:"type"`
	Payload     *string    `json:"payload,omitempty"`
	ScriptID    *int64     `json:"script_id,omitempty"`
	ProfileID   *int64     `json:"profile_id,omitempty"`
	BatchID     string     `json:"batch_id,omitempty"`
	OrderIndex  int        `json:"order_index"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Logs        *string    `json:"logs,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type CreateActionRequest struct {
	Type     string  `json:"type"`
	Payload  *string `json:"payload,omitempty"`
	ScriptID *int64  `json:"script_id,omitempty"`
}

type ApplyProfileRequest struct {
	DeviceIDs []int64 `json:"device_ids"`
}

type ApplyProfileResponse struct {
	CreatedActions   int     `json:"created_actions"`
	BatchID          string  `json:"batch_id"`
	SkippedDeviceIDs []int64 `json:"skipped_device_ids"`
}

type DeleteDeviceResponse struct {
	Status            string `json:"status"`
	UninstallActionID int64  `json:"uninstall_action_id"`
}

type Script struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Language     string    `json:"language"`
	TargetOSType string    `json:"target_os_type,omitempty"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

type ProfileTask struct {
	ID         int64  `json:"id,omitempty"`
	OrderIndex int    `json:"order_index"`
	ActionType string `json:"action_type"`
	ScriptID   int64  `json:"script_id"`
}

type Profile struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	TargetOSType string        `json:"target_os_type,omitempty"`
	Tasks        []ProfileTask `json:"tasks"`
	CreatedAt    time.Time     `json:"created_at"`
}

type EnrollmentToken struct {
	ID         int64      `json:"id"`
	Label      string     `json:"label"`
	Token      string     `json:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	UseCount   int        `json:"use_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the body of every non-2xx server reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
