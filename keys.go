package jobstore

import (
	"strings"

	"github.com/go-tick/jobstore/internal/model"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// RecoveringJobsGroup holds the one-shot triggers synthesized by crash recovery.
const RecoveringJobsGroup = "RECOVERING_JOBS"

// allGroupsPaused marks PauseAll so groups created afterwards start paused.
const allGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

type JobKey struct {
	Name  string
	Group string
}

type TriggerKey struct {
	Name  string
	Group string
}

func NewJobKey(name, group string) JobKey {
	if group == "" {
		group = DefaultGroup
	}

	return JobKey{Name: name, Group: group}
}

func NewTriggerKey(name, group string) TriggerKey {
	if group == "" {
		group = DefaultGroup
	}

	return TriggerKey{Name: name, Group: group}
}

func (k JobKey) String() string {
	return k.Group + "." + k.Name
}

func (k TriggerKey) String() string {
	return k.Group + "." + k.Name
}

// TriggerState is the persisted scheduling state of a trigger.
type TriggerState = model.TriggerState

const (
	StateWaiting       = model.StateWaiting
	StateAcquired      = model.StateAcquired
	StateExecuting     = model.StateExecuting
	StateComplete      = model.StateComplete
	StateBlocked       = model.StateBlocked
	StateError         = model.StateError
	StatePaused        = model.StatePaused
	StatePausedBlocked = model.StatePausedBlocked
	StateDeleted       = model.StateDeleted
	StateNone          = model.StateNone
)

// GroupMatcher selects job or trigger groups by name.
type GroupMatcher struct {
	operator model.GroupOperator
	value    string
}

func GroupEquals(group string) GroupMatcher {
	return GroupMatcher{operator: model.GroupEquals, value: group}
}

func GroupStartsWith(prefix string) GroupMatcher {
	return GroupMatcher{operator: model.GroupStartsWith, value: prefix}
}

func GroupEndsWith(suffix string) GroupMatcher {
	return GroupMatcher{operator: model.GroupEndsWith, value: suffix}
}

func GroupContains(part string) GroupMatcher {
	return GroupMatcher{operator: model.GroupContains, value: part}
}

func AnyGroup() GroupMatcher {
	return GroupMatcher{operator: model.GroupAnything}
}

// IsMatch applies the matcher in memory with the same semantics as the store.
func (m GroupMatcher) IsMatch(group string) bool {
	switch m.operator {
	case model.GroupEquals:
		return group == m.value
	case model.GroupStartsWith:
		return strings.HasPrefix(group, m.value)
	case model.GroupEndsWith:
		return strings.HasSuffix(group, m.value)
	case model.GroupContains:
		return strings.Contains(group, m.value)
	default:
		return true
	}
}

func (m GroupMatcher) String() string {
	if m.operator == "" || m.operator == model.GroupAnything {
		return string(model.GroupAnything)
	}

	return string(m.operator) + ":" + m.value
}

func (m GroupMatcher) filter() model.GroupFilter {
	op := m.operator
	if op == "" {
		op = model.GroupAnything
	}

	return model.GroupFilter{Operator: op, Value: m.value}
}

func (m GroupMatcher) exact() (string, bool) {
	return m.value, m.operator == model.GroupEquals
}
