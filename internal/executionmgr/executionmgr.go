// Package executionmgr is the Execution Manager: a bounded priority queue
// of typed commands, dispatched to registered handlers with retry and an
// emergency-only mode.
package executionmgr

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridtrader/ki-controller/internal/types"

	"go.uber.org/zap"
)

// Handler executes a command's payload and reports success/message.
type Handler func(payload interface{}) (bool, string)

// Command is a unit of work queued for execution.
type Command struct {
	ID         string
	Type       types.CommandType
	Priority   types.CommandPriority
	Payload    interface{}
	Status     types.CommandStatus
	Attempt    int
	Message    string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	seq int64 // tie-break for FIFO within a priority band
}

// Config configures the Execution Manager.
type Config struct {
	QueueCapacity  int
	MaxAttempts    int
	HistorySize    int
	ExecTimeWindow int // number of recent executions averaged for stats
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  100,
		MaxAttempts:    3,
		HistorySize:    200,
		ExecTimeWindow: 50,
	}
}

// Stats summarizes recent execution manager activity.
type Stats struct {
	QueueLength       int
	EmergencyMode     bool
	AvgExecutionTime  time.Duration
	CommandsPerMinute float64
	TotalCompleted    int
	TotalFailed       int
}

// Manager is the Execution Manager (C12).
type Manager struct {
	logger *zap.Logger
	config Config

	mu            sync.Mutex
	queue         commandQueue
	seqCounter    int64
	handlers      map[types.CommandType]Handler
	paused        bool
	emergencyMode bool

	history         []Command
	execDurations   []time.Duration
	completionTimes []time.Time
	totalCompleted  int
	totalFailed     int
}

// New creates an Execution Manager.
func New(logger *zap.Logger, config Config) *Manager {
	m := &Manager{
		logger:   logger.Named("execution-manager"),
		config:   config,
		handlers: make(map[types.CommandType]Handler),
	}
	heap.Init(&m.queue)
	return m
}

// RegisterHandler binds a handler to a command type.
func (m *Manager) RegisterHandler(cmdType types.CommandType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[cmdType] = handler
}

// Enqueue adds a command to the queue, applying the queue-full eviction
// policy (evict the first LOW-priority command, else reject).
func (m *Manager) Enqueue(cmdType types.CommandType, priority types.CommandPriority, payload interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) >= m.config.QueueCapacity {
		if !m.evictLowPriorityLocked() {
			return "", fmt.Errorf("execution queue full, no LOW priority command to evict")
		}
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		Type:      cmdType,
		Priority:  priority,
		Payload:   payload,
		Status:    types.CommandQueued,
		CreatedAt: time.Now(),
		seq:       m.seqCounter,
	}
	m.seqCounter++
	heap.Push(&m.queue, cmd)
	return cmd.ID, nil
}

// EnqueueEmergency inserts an EMERGENCY_STOP command at the queue head,
// enters emergency mode and forces a single-attempt retry policy for it.
func (m *Manager) EnqueueEmergency(payload interface{}) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.emergencyMode = true

	cmd := &Command{
		ID:        uuid.NewString(),
		Type:      types.CommandEmergencyStop,
		Priority:  types.PriorityCritical,
		Payload:   payload,
		Status:    types.CommandQueued,
		CreatedAt: time.Now(),
		seq:       -1, // always sorts ahead of anything already queued
	}
	heap.Push(&m.queue, cmd)
	m.logger.Error("emergency command enqueued, entering emergency mode")
	return cmd.ID
}

// ExitEmergencyMode clears emergency mode, resuming normal dispatch.
func (m *Manager) ExitEmergencyMode() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyMode = false
}

// Pause prevents popping new commands; in-flight commands are unaffected.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume clears the pause state.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// ClearNonCritical drops every queued command that is not CRITICAL
// priority, used when a black-swan emergency needs a clean queue.
func (m *Manager) ClearNonCritical() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := commandQueue{}
	dropped := 0
	for _, c := range m.queue {
		if c.Priority == types.PriorityCritical {
			kept = append(kept, c)
		} else {
			dropped++
		}
	}
	heap.Init(&kept)
	m.queue = kept
	return dropped
}

// ProcessNext pops and dispatches the next eligible command. It returns
// false if nothing was popped (empty queue, paused, or emergency mode
// blocking non-EMERGENCY_STOP commands).
func (m *Manager) ProcessNext() bool {
	cmd := m.popNext()
	if cmd == nil {
		return false
	}

	cmd.Status = types.CommandExecuting
	cmd.StartedAt = time.Now()
	cmd.Attempt++

	m.mu.Lock()
	handler, ok := m.handlers[cmd.Type]
	maxAttempts := m.config.MaxAttempts
	if cmd.Type == types.CommandEmergencyStop {
		maxAttempts = 1
	}
	m.mu.Unlock()

	if !ok {
		cmd.Status = types.CommandFailed
		cmd.Message = fmt.Sprintf("no handler registered for %s", cmd.Type)
		m.finish(cmd)
		return true
	}

	success, message := m.invoke(handler, cmd)
	cmd.Message = message

	if success {
		cmd.Status = types.CommandCompleted
		m.finish(cmd)
		return true
	}

	if cmd.Attempt < maxAttempts {
		cmd.Status = types.CommandRetrying
		m.requeue(cmd)
		return true
	}

	cmd.Status = types.CommandFailed
	m.finish(cmd)
	return true
}

// invoke calls the handler, converting a panic into a failure result so a
// single bad handler cannot take down the dispatch loop.
func (m *Manager) invoke(handler Handler, cmd *Command) (success bool, message string) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			message = fmt.Sprintf("handler panicked: %v", r)
			m.logger.Error("command handler panicked",
				zap.String("commandId", cmd.ID),
				zap.String("type", string(cmd.Type)),
				zap.Any("recover", r))
		}
	}()
	return handler(cmd.Payload)
}

func (m *Manager) popNext() *Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return nil
	}

	if m.emergencyMode {
		// Only EMERGENCY_STOP commands may be popped while in emergency mode.
		for i, c := range m.queue {
			if c.Type == types.CommandEmergencyStop {
				cmd := heap.Remove(&m.queue, i).(*Command)
				return cmd
			}
		}
		return nil
	}

	if len(m.queue) == 0 {
		return nil
	}
	return heap.Pop(&m.queue).(*Command)
}

func (m *Manager) requeue(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd.seq = m.seqCounter
	m.seqCounter++
	heap.Push(&m.queue, cmd)
}

func (m *Manager) finish(cmd *Command) {
	cmd.FinishedAt = time.Now()
	duration := cmd.FinishedAt.Sub(cmd.StartedAt)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, *cmd)
	if len(m.history) > m.config.HistorySize {
		m.history = m.history[len(m.history)-m.config.HistorySize:]
	}

	m.execDurations = append(m.execDurations, duration)
	if len(m.execDurations) > m.config.ExecTimeWindow {
		m.execDurations = m.execDurations[len(m.execDurations)-m.config.ExecTimeWindow:]
	}

	if cmd.Status == types.CommandCompleted {
		m.totalCompleted++
		m.completionTimes = append(m.completionTimes, cmd.FinishedAt)
		m.pruneCompletionsLocked()
	} else {
		m.totalFailed++
	}

	if cmd.Type == types.CommandEmergencyStop {
		m.emergencyMode = false
	}
}

func (m *Manager) pruneCompletionsLocked() {
	cutoff := time.Now().Add(-time.Minute)
	i := 0
	for i < len(m.completionTimes) && m.completionTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.completionTimes = m.completionTimes[i:]
	}
}

func (m *Manager) evictLowPriorityLocked() bool {
	for i, c := range m.queue {
		if c.Priority == types.PriorityLow {
			heap.Remove(&m.queue, i)
			m.logger.Warn("evicted LOW priority command to admit a new one", zap.String("evictedId", c.ID))
			return true
		}
	}
	return false
}

// History returns a snapshot of completed/failed commands, most recent last.
func (m *Manager) History() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.history))
	copy(out, m.history)
	return out
}

// QueueLength returns the number of commands currently queued.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// IsEmergencyMode reports whether emergency mode is active.
func (m *Manager) IsEmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyMode
}

// IsPaused reports whether popping is currently suspended.
func (m *Manager) IsPaused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// GetStats returns execution statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneCompletionsLocked()

	var avg time.Duration
	if len(m.execDurations) > 0 {
		var sum time.Duration
		for _, d := range m.execDurations {
			sum += d
		}
		avg = sum / time.Duration(len(m.execDurations))
	}

	return Stats{
		QueueLength:       len(m.queue),
		EmergencyMode:     m.emergencyMode,
		AvgExecutionTime:  avg,
		CommandsPerMinute: float64(len(m.completionTimes)),
		TotalCompleted:    m.totalCompleted,
		TotalFailed:       m.totalFailed,
	}
}

// commandQueue implements container/heap.Interface, ordering by priority
// descending (CRITICAL first) then by sequence number ascending (FIFO
// within a priority band).
type commandQueue []*Command

func (q commandQueue) Len() int { return len(q) }

func (q commandQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q commandQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *commandQueue) Push(x interface{}) {
	*q = append(*q, x.(*Command))
}

func (q *commandQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
