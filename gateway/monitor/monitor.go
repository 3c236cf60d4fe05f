/*
Package monitor runs long-lived or repeating producer processes and forwards their output to a subscriber as it arrives.

Each Start creates a session. Standard output chunks are delivered as "data" events and standard error chunks as "error" events, in the order they were written per stream. There is no ordering between the two streams. When the session ends, for any reason, a single "exit" event is delivered last.

A session ends when its producer exits (unless it repeats), when Stop is called, or when the context passed to Start is done. Stopping a session kills the producer's whole process group.
*/
package monitor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/hostgateway/gateway/command"
	"go.uber.org/zap"
)

const DefaultMaxSessions = 8

var (
	ErrTooManySessions = errors.New("too many monitoring sessions")
	ErrNoSession       = errors.New("no such monitoring session")
)

type EventType string

const (
	EventData  EventType = "data"
	EventError EventType = "error"
	EventExit  EventType = "exit"
)

type Event struct {
	Session string    `json:"session"`
	Type    EventType `json:"type"`
	Data    string    `json:"data"`
}

type Options struct {
	// Interval re-runs the producer this long after each exit, until the session is stopped.
	// Zero runs the producer once.
	Interval time.Duration
}

// Handle identifies a started session. PID is the pid of the first producer process.
type Handle struct {
	ID  string `json:"id"`
	PID int    `json:"pid"`
}

// SessionRecord describes a session that started or ended.
type SessionRecord struct {
	Session string
	Command string
	Start   time.Time
	// Ended is false for the record made when the session starts.
	Ended    bool
	Duration time.Duration
	// Status is the data of the exit event, or the start error.
	Status  string
	Success bool
}

// Recorder is told about every session when it starts and when it ends.
type Recorder interface {
	RecordSession(r SessionRecord)
}

type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns all live sessions.
type Manager struct {
	log         *zap.SugaredLogger
	maxSessions int
	recorder    Recorder

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type ManagerOption func(m *Manager)

func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		m.recorder = r
	}
}

// NewManager builds a Manager that allows up to maxSessions live sessions. Zero or less means unbounded.
func NewManager(log *zap.SugaredLogger, maxSessions int, opts ...ManagerOption) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		log:         log,
		maxSessions: maxSessions,
		sessions:    map[string]*session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start spawns spec and returns as soon as the process is running.
// onEvent is never called concurrently, and it is not called after the exit event.
func (m *Manager) Start(ctx context.Context, spec command.Spec, opts Options, onEvent func(Event)) (Handle, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return Handle{}, ErrTooManySessions
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	start := time.Now()
	var emitMut sync.Mutex
	emit := func(typ EventType, data string) {
		emitMut.Lock()
		defer emitMut.Unlock()
		if typ == EventExit {
			// recorded before the subscriber hears about it
			m.record(SessionRecord{
				Session:  s.id,
				Command:  spec.Display(),
				Start:    start,
				Ended:    true,
				Duration: time.Since(start),
				Status:   data,
				Success:  data == "stopped" || data == exitStatus(nil),
			})
		}
		onEvent(Event{Session: s.id, Type: typ, Data: data})
	}

	cmd, err := spawn(ctx, spec, emit)
	if err != nil {
		cancel()
		m.remove(s.id)
		close(s.done)
		m.record(SessionRecord{Session: s.id, Command: spec.Display(), Start: start, Ended: true, Status: err.Error()})
		return Handle{}, fmt.Errorf("starting %q: %w", spec.Display(), err)
	}
	pid := cmd.Process.Pid
	m.record(SessionRecord{Session: s.id, Command: spec.Display(), Start: start, Status: "started", Success: true})
	m.log.Debugw("started monitoring session", "Session", s.id, "PID", pid, "Command", spec.Display(), "Interval", opts.Interval)

	m.wg.Add(1)
	go m.supervise(ctx, s, cmd, spec, opts, emit)

	return Handle{ID: s.id, PID: pid}, nil
}

func (m *Manager) supervise(ctx context.Context, s *session, cmd *exec.Cmd, spec command.Spec, opts Options, emit func(EventType, string)) {
	defer m.wg.Done()
	defer close(s.done)
	defer m.remove(s.id)
	defer s.cancel()

	for {
		err := cmd.Wait()
		if ctx.Err() != nil {
			emit(EventExit, "stopped")
			return
		}
		if opts.Interval <= 0 {
			emit(EventExit, exitStatus(err))
			return
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			emit(EventExit, "stopped")
			return
		case <-timer.C:
		}

		cmd, err = spawn(ctx, spec, emit)
		if err != nil {
			m.log.Debugf("respawning session %s: %s", s.id, err)
			emit(EventError, err.Error())
			emit(EventExit, exitStatus(err))
			return
		}
	}
}

// Stop cancels the session and waits until its exit event was delivered.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	s.cancel()
	<-s.done
	m.log.Debugw("stopped monitoring session", "Session", id)
	return nil
}

// StopAll stops every session and waits for them to finish.
func (m *Manager) StopAll() {
	m.mu.Lock()
	for _, s := range m.sessions {
		s.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) record(r SessionRecord) {
	if m.recorder != nil {
		m.recorder.RecordSession(r)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func spawn(ctx context.Context, spec command.Spec, emit func(EventType, string)) (*exec.Cmd, error) {
	cmd := command.Prepare(ctx, spec)
	cmd.Stdout = &chunkWriter{typ: EventData, emit: emit}
	cmd.Stderr = &chunkWriter{typ: EventError, emit: emit}
	return cmd, cmd.Start()
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// chunkWriter turns every write into one event.
type chunkWriter struct {
	typ  EventType
	emit func(EventType, string)
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	w.emit(w.typ, string(b))
	return len(b), nil
}
