package model

// TriggerState is the persisted scheduling state of a trigger.
type TriggerState string

const (
	StateWaiting       TriggerState = "WAITING"
	StateAcquired      TriggerState = "ACQUIRED"
	StateExecuting     TriggerState = "EXECUTING"
	StateComplete      TriggerState = "COMPLETE"
	StateBlocked       TriggerState = "BLOCKED"
	StateError         TriggerState = "ERROR"
	StatePaused        TriggerState = "PAUSED"
	StatePausedBlocked TriggerState = "PAUSED_BLOCKED"
	StateDeleted       TriggerState = "DELETED"
	StateNone          TriggerState = "NONE"
)

// GroupOperator selects how a GroupFilter compares group names.
type GroupOperator string

const (
	GroupEquals     GroupOperator = "equals"
	GroupStartsWith GroupOperator = "starts_with"
	GroupEndsWith   GroupOperator = "ends_with"
	GroupContains   GroupOperator = "contains"
	GroupAnything   GroupOperator = "anything"
)

type GroupFilter struct {
	Operator GroupOperator
	Value    string
}

// Key identifies a job or trigger inside one instance.
type Key struct {
	Name  string `db:"name"`
	Group string `db:"grp"`
}

// Timestamps are unix milliseconds in UTC.

type Job struct {
	InstanceName         string `db:"instance_name"`
	Name                 string `db:"name"`
	Group                string `db:"grp"`
	Description          string `db:"description"`
	JobType              string `db:"job_type"`
	Durable              bool   `db:"durable"`
	ConcurrentDisallowed bool   `db:"concurrent_disallowed"`
	PersistData          bool   `db:"persist_data"`
	RequestsRecovery     bool   `db:"requests_recovery"`
	JobData              string `db:"job_data"`
}

type Trigger struct {
	InstanceName       string `db:"instance_name"`
	Name               string `db:"name"`
	Group              string `db:"grp"`
	JobName            string `db:"job_name"`
	JobGroup           string `db:"job_group"`
	Description        string `db:"description"`
	CalendarName       string `db:"calendar_name"`
	State              string `db:"state"`
	ScheduleType       string `db:"schedule_type"`
	Schedule           string `db:"schedule"`
	ScheduleData       string `db:"schedule_data"`
	MisfireInstruction int    `db:"misfire_instruction"`
	Priority           int    `db:"priority"`
	StartTime          int64  `db:"start_time"`
	EndTime            *int64 `db:"end_time"`
	NextFireTime       *int64 `db:"next_fire_time"`
	PrevFireTime       *int64 `db:"prev_fire_time"`
	JobData            string `db:"job_data"`
}

// TriggerStatus is the narrow projection used by resume and completion checks.
type TriggerStatus struct {
	Name         string `db:"name"`
	Group        string `db:"grp"`
	JobName      string `db:"job_name"`
	JobGroup     string `db:"job_group"`
	State        string `db:"state"`
	NextFireTime *int64 `db:"next_fire_time"`
}

type FiredTrigger struct {
	InstanceName         string `db:"instance_name"`
	FireInstanceID       string `db:"fire_instance_id"`
	InstanceID           string `db:"instance_id"`
	TriggerName          string `db:"trigger_name"`
	TriggerGroup         string `db:"trigger_group"`
	JobName              string `db:"job_name"`
	JobGroup             string `db:"job_group"`
	FiredTime            int64  `db:"fired_time"`
	ScheduledTime        *int64 `db:"scheduled_time"`
	Priority             int    `db:"priority"`
	State                string `db:"state"`
	ConcurrentDisallowed bool   `db:"concurrent_disallowed"`
	RequestsRecovery     bool   `db:"requests_recovery"`
}

type PausedTriggerGroup struct {
	InstanceName string `db:"instance_name"`
	Group        string `db:"grp"`
}

type Calendar struct {
	InstanceName string `db:"instance_name"`
	Name         string `db:"name"`
	CalendarType string `db:"calendar_type"`
	Data         string `db:"data"`
}

type SchedulerState struct {
	InstanceName    string `db:"instance_name"`
	InstanceID      string `db:"instance_id"`
	LastCheckin     int64  `db:"last_checkin"`
	CheckinInterval int64  `db:"checkin_interval"`
}

type Lock struct {
	InstanceName string `db:"instance_name"`
	LockType     string `db:"lock_type"`
	InstanceID   string `db:"instance_id"`
	Token        string `db:"token"`
	AcquiredAt   int64  `db:"acquired_at"`
}
