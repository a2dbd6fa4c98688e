package statestore

import (
	"maps"
	"time"
)

// State is the typed in-memory form of one feature's state document.
// Field tags define the wire schema read by status views and collectors.
type State struct {
	Feature      string                 `json:"feature"`
	StartedAt    time.Time              `json:"started_at"`
	CurrentLevel int                    `json:"current_level"`
	Tasks        map[string]*TaskRecord `json:"tasks"`
	Workers      map[int]*WorkerRecord  `json:"workers"`
	Levels       map[int]*LevelRecord   `json:"levels"`
	ExecutionLog []Event                `json:"execution_log"`
	Paused       bool                   `json:"paused"`
	Error        *string                `json:"error"`
}

// TaskRecord is the persisted state of one task.
type TaskRecord struct {
	Status      TaskStatus `json:"status"`
	Level       int        `json:"level,omitempty"`
	WorkerID    *int       `json:"worker_id"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// HeldBy reports whether workerID holds the task.
func (t *TaskRecord) HeldBy(workerID int) bool {
	return t.WorkerID != nil && *t.WorkerID == workerID
}

// WorkerRecord is the persisted state of one worker.
type WorkerRecord struct {
	WorkerID     int          `json:"worker_id"`
	Status       WorkerStatus `json:"status"`
	Port         int          `json:"port,omitempty"`
	CurrentTask  string       `json:"current_task,omitempty"`
	ContextUsage float64      `json:"context_usage"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	ReadyAt      *time.Time   `json:"ready_at,omitempty"`
	UpdatedAt    *time.Time   `json:"updated_at,omitempty"`
}

// LevelRecord is the persisted state of one level. Status and MergeStatus
// are independent axes.
type LevelRecord struct {
	Status       LevelStatus    `json:"status"`
	MergeStatus  MergeStatus    `json:"merge_status"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	MergeCommit  string         `json:"merge_commit,omitempty"`
	MergeDetails map[string]any `json:"merge_details,omitempty"`
	UpdatedAt    *time.Time     `json:"updated_at,omitempty"`
}

// Event is one execution log entry. Entries are append-only.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// NewState returns the default skeleton for a feature with no document yet.
func NewState(feature string, now time.Time) *State {
	st := &State{Feature: feature, StartedAt: now}
	st.normalize()
	return st
}

// normalize replaces nil collections left by decoding sparse documents.
func (s *State) normalize() {
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskRecord)
	}
	if s.Workers == nil {
		s.Workers = make(map[int]*WorkerRecord)
	}
	if s.Levels == nil {
		s.Levels = make(map[int]*LevelRecord)
	}
	if s.ExecutionLog == nil {
		s.ExecutionLog = []Event{}
	}
}

// Task returns the record for id, creating a pending one on first write.
func (s *State) Task(id string) *TaskRecord {
	t, ok := s.Tasks[id]
	if !ok {
		t = &TaskRecord{Status: TaskPending}
		s.Tasks[id] = t
	}
	return t
}

// Worker returns the record for id, creating an initializing one on first write.
func (s *State) Worker(id int) *WorkerRecord {
	w, ok := s.Workers[id]
	if !ok {
		w = &WorkerRecord{WorkerID: id, Status: WorkerInitializing}
		s.Workers[id] = w
	}
	return w
}

// Level returns the record for level n, creating a pending one on first write.
func (s *State) Level(n int) *LevelRecord {
	l, ok := s.Levels[n]
	if !ok {
		l = &LevelRecord{Status: LevelPending, MergeStatus: MergePending}
		s.Levels[n] = l
	}
	return l
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Error = clonePtr(s.Error)
	c.Tasks = make(map[string]*TaskRecord, len(s.Tasks))
	for id, t := range s.Tasks {
		c.Tasks[id] = t.Clone()
	}
	c.Workers = make(map[int]*WorkerRecord, len(s.Workers))
	for id, w := range s.Workers {
		c.Workers[id] = w.Clone()
	}
	c.Levels = make(map[int]*LevelRecord, len(s.Levels))
	for n, l := range s.Levels {
		c.Levels[n] = l.Clone()
	}
	c.ExecutionLog = make([]Event, len(s.ExecutionLog))
	for i, e := range s.ExecutionLog {
		c.ExecutionLog[i] = Event{Timestamp: e.Timestamp, Event: e.Event, Data: maps.Clone(e.Data)}
	}
	return &c
}

// Clone returns a deep copy of the record.
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}
	c := *t
	c.WorkerID = clonePtr(t.WorkerID)
	c.NextRetryAt = clonePtr(t.NextRetryAt)
	c.LastRetryAt = clonePtr(t.LastRetryAt)
	c.CreatedAt = clonePtr(t.CreatedAt)
	c.ClaimedAt = clonePtr(t.ClaimedAt)
	c.StartedAt = clonePtr(t.StartedAt)
	c.CompletedAt = clonePtr(t.CompletedAt)
	c.UpdatedAt = clonePtr(t.UpdatedAt)
	return &c
}

// Clone returns a deep copy of the record.
func (w *WorkerRecord) Clone() *WorkerRecord {
	if w == nil {
		return nil
	}
	c := *w
	c.StartedAt = clonePtr(w.StartedAt)
	c.ReadyAt = clonePtr(w.ReadyAt)
	c.UpdatedAt = clonePtr(w.UpdatedAt)
	return &c
}

// Clone returns a deep copy of the record. MergeDetails is copied one level deep.
func (l *LevelRecord) Clone() *LevelRecord {
	if l == nil {
		return nil
	}
	c := *l
	c.StartedAt = clonePtr(l.StartedAt)
	c.CompletedAt = clonePtr(l.CompletedAt)
	c.UpdatedAt = clonePtr(l.UpdatedAt)
	c.MergeDetails = maps.Clone(l.MergeDetails)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
