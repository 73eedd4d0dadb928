// Package model defines the data types shared by every control loop: the
// observed Job and Runner, the owned Server, and the derived RunnerSpec
// that ties a job's labels to the cloud resources needed to satisfy it.
package model

import "time"

// JobStatus is the lifecycle state of a CI job as reported by the CI
// provider.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// Job is a unit of CI work observed at the CI provider. Identity is the
// (RunID, JobID) pair — job IDs alone are not guaranteed unique across
// runs on every provider.
type Job struct {
	RunID         int64
	JobID         int64
	WorkflowRunID int64
	Status        JobStatus
	Labels        []string
}

// ServerStatus is the lifecycle state of an owned cloud server. Servers
// transition monotonically: Off -> Starting -> Running -> Stopping ->
// deleted. A server never re-enters an earlier state.
type ServerStatus string

const (
	ServerOff      ServerStatus = "off"
	ServerStarting ServerStatus = "starting"
	ServerRunning  ServerStatus = "running"
	ServerStopping ServerStatus = "stopping"
)

// Role is the purpose a controller-owned server's name encodes.
type Role string

const (
	RoleActive  Role = "active"
	RoleRecycle Role = "recycle"
	RoleStandby Role = "standby"
)

// ServerLabels are the cloud-side key/value labels the controller writes
// on every server it owns, so servers remain self-describing across
// restarts without relying on in-memory state.
type ServerLabels struct {
	Role             Role
	ServerType       string
	Location         string
	Image            string
	RunnerLabelsHash string
	Prefix           string
}

// Server is a controller-owned cloud VM. Identity is Name, unique within
// the cloud project.
type Server struct {
	Name       string
	CloudID    int64
	Status     ServerStatus
	ServerType string
	Location   string
	Image      string
	PublicIPv4 string
	CreatedAt  time.Time
	Labels     ServerLabels
	SSHKeyIDs  []int64
}

// AgeSeconds returns the server's age in seconds as of now.
func (s Server) AgeSeconds(now time.Time) int64 {
	return int64(now.Sub(s.CreatedAt).Seconds())
}

// AgeInHour and MinuteInHour implement the billing-hour arithmetic every
// reaping decision is built on: age_in_hour = floor(age_seconds / 3600);
// minute_in_hour = (age_seconds % 3600) / 60.
func AgeInHour(ageSeconds int64) int64 {
	if ageSeconds < 0 {
		return 0
	}
	return ageSeconds / 3600
}

func MinuteInHour(ageSeconds int64) int64 {
	if ageSeconds < 0 {
		return 0
	}
	return (ageSeconds % 3600) / 60
}

// RunnerStatus is the online/offline state a self-hosted runner reports at
// the CI provider.
type RunnerStatus string

const (
	RunnerOnline  RunnerStatus = "online"
	RunnerOffline RunnerStatus = "offline"
)

// Runner is a self-hosted runner observed at the CI provider. Name equals
// the owning server's Name — that equality is the join key between the
// two independent sources of truth.
type Runner struct {
	ID           int64
	Name         string
	Status       RunnerStatus
	Busy         bool
	Labels       []string
	RegisteredAt time.Time
}

// RunnerSpec is what a job's labels resolve to: the shape of the server
// that must exist to run it.
type RunnerSpec struct {
	ServerType        string
	Location          string // empty means unspecified
	Image             string
	SetupScriptPath   string
	StartupScriptPath string
	ExtraLabels       []string
	SSHKeyIDs         []int64
	Fingerprint       string
}
