package jobstore

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"
)

// JobDetail is the persisted definition of a job. JobType is resolved by the
// host scheduler; the store treats it as an opaque name.
type JobDetail struct {
	Key                           JobKey
	JobType                       string
	Description                   string
	Durable                       bool
	ConcurrentExecutionDisallowed bool
	PersistJobDataAfterExecution  bool
	RequestsRecovery              bool
	JobData                       *JobDataMap
}

// JobDataMap is an opaque key/value map persisted as JSON. It tracks whether it
// was modified so completed jobs only write their data back when needed.
type JobDataMap struct {
	values map[string]any
	dirty  bool
}

func NewJobDataMap(values map[string]any) *JobDataMap {
	m := &JobDataMap{values: make(map[string]any, len(values))}
	maps.Copy(m.values, values)

	return m
}

func (m *JobDataMap) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}

	v, ok := m.values[key]
	return v, ok
}

func (m *JobDataMap) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}

	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	default:
		b, _ := json.Marshal(s)
		return string(b)
	}
}

// GetInt64 reads integers stored either natively or decoded from JSON.
func (m *JobDataMap) GetInt64(key string) (int64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}

	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Put needs a map from NewJobDataMap; like a nil Go map, a nil *JobDataMap
// cannot be written to.
func (m *JobDataMap) Put(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}

	m.values[key] = value
	m.dirty = true
}

func (m *JobDataMap) Remove(key string) {
	if m == nil {
		return
	}

	if _, ok := m.values[key]; ok {
		delete(m.values, key)
		m.dirty = true
	}
}

func (m *JobDataMap) Keys() []string {
	if m == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(m.values))
}

func (m *JobDataMap) Len() int {
	if m == nil {
		return 0
	}

	return len(m.values)
}

func (m *JobDataMap) Dirty() bool {
	return m != nil && m.dirty
}

func (m *JobDataMap) ClearDirty() {
	if m != nil {
		m.dirty = false
	}
}

func (m *JobDataMap) Clone() *JobDataMap {
	if m == nil {
		return NewJobDataMap(nil)
	}

	c := NewJobDataMap(m.values)
	c.dirty = m.dirty

	return c
}

func (m *JobDataMap) MarshalJSON() ([]byte, error) {
	if m == nil || m.values == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(m.values)
}

func (m *JobDataMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	values := make(map[string]any)
	if err := dec.Decode(&values); err != nil {
		return errors.Wrap(err, "decode job data")
	}

	m.values = values
	m.dirty = false

	return nil
}

func encodeJobData(m *JobDataMap) (string, error) {
	b, err := m.MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, "encode job data")
	}

	return string(b), nil
}

func decodeJobData(data string) (*JobDataMap, error) {
	m := NewJobDataMap(nil)
	if data == "" {
		return m, nil
	}

	if err := m.UnmarshalJSON([]byte(data)); err != nil {
		return nil, err
	}

	return m, nil
}
