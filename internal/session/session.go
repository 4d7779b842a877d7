package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidTransition is returned when a state change would move a session
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid session state transition")

// State is the lifecycle position of a session.
type State int

const (
	StateReceiving State = iota
	StateEncoding
	StateTranscribing
	StatePublishing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateEncoding:
		return "encoding"
	case StateTranscribing:
		return "transcribing"
	case StatePublishing:
		return "publishing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateReceiving; st <= StateFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Stage names the step a failure happened in.
type Stage string

const (
	StageReceiving    Stage = "receiving"
	StageEncoding     Stage = "encoding"
	StageTranscribing Stage = "transcribing"
	StagePublishing   Stage = "publishing"
	StageAborted      Stage = "aborted"
)

// Failure records why a session ended in StateFailed.
type Failure struct {
	Stage Stage
	Cause error
}

func (f Failure) String() string {
	if f.Cause == nil {
		return string(f.Stage)
	}
	return fmt.Sprintf("%s: %v", f.Stage, f.Cause)
}

// Session is one accepted connection and its pipeline state from accept to
// terminal outcome. State and byte counts are written only by the pipeline
// that owns the session; other goroutines read them through the accessor
// methods and Snapshot.
type Session struct {
	ID         uint64
	RemoteAddr string
	OutputPath string
	StartTime  time.Time

	bytesReceived atomic.Int64

	mu           sync.RWMutex
	state        State
	failure      *Failure
	artifactPath string
	transcript   string
	endTime      time.Time
	done         chan struct{}
}

// New creates a session in StateReceiving.
func New(id uint64, remoteAddr, outputPath string, start time.Time) *Session {
	return &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		OutputPath:   outputPath,
		StartTime:    start,
		state:        StateReceiving,
		artifactPath: outputPath,
		done:         make(chan struct{}),
	}
}

// AddBytes records n more bytes written to the raw artifact and returns the total.
func (s *Session) AddBytes(n int) int64 {
	return s.bytesReceived.Add(int64(n))
}

// BytesReceived returns the number of bytes captured so far.
func (s *Session) BytesReceived() int64 {
	return s.bytesReceived.Load()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failure returns the failure record, or nil unless the session failed.
func (s *Session) Failure() *Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure == nil {
		return nil
	}
	f := *s.failure
	return &f
}

// Transition moves the session forward to the given non-failed state.
// Skipping intermediate states is allowed; moving backwards is not.
func (s *Session) Transition(to State) error {
	if to == StateFailed {
		return fmt.Errorf("%w: use Fail to enter %s", ErrInvalidTransition, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || to <= s.state {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	if to.Terminal() {
		s.finishLocked()
	}
	return nil
}

// Fail moves a live session to StateFailed with the given stage and cause.
func (s *Session) Fail(stage Stage, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, StateFailed)
	}
	s.state = StateFailed
	s.failure = &Failure{Stage: stage, Cause: cause}
	s.finishLocked()
	return nil
}

func (s *Session) finishLocked() {
	s.endTime = time.Now()
	close(s.done)
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SetArtifact records the path of the newest artifact produced for the session.
func (s *Session) SetArtifact(path string) {
	s.mu.Lock()
	s.artifactPath = path
	s.mu.Unlock()
}

// Artifact returns the path of the newest artifact (raw capture until encoded).
func (s *Session) Artifact() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.artifactPath
}

// SetTranscript stores the transcription text for observers.
func (s *Session) SetTranscript(text string) {
	s.mu.Lock()
	s.transcript = text
	s.mu.Unlock()
}

// Info is a point-in-time copy of a session for monitoring APIs.
type Info struct {
	ID            uint64        `json:"id"`
	RemoteAddr    string        `json:"remote_addr"`
	OutputPath    string        `json:"output_path"`
	Artifact      string        `json:"artifact"`
	State         State         `json:"state"`
	FailedStage   Stage         `json:"failed_stage,omitempty"`
	Error         string        `json:"error,omitempty"`
	BytesReceived int64         `json:"bytes_received"`
	StartTime     time.Time     `json:"start_time"`
	Elapsed       time.Duration `json:"elapsed"`
	Transcript    string        `json:"transcript,omitempty"`
}

// Snapshot returns a consistent copy of the session's observable fields.
func (s *Session) Snapshot() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}

	info := Info{
		ID:            s.ID,
		RemoteAddr:    s.RemoteAddr,
		OutputPath:    s.OutputPath,
		Artifact:      s.artifactPath,
		State:         s.state,
		BytesReceived: s.bytesReceived.Load(),
		StartTime:     s.StartTime,
		Elapsed:       end.Sub(s.StartTime),
		Transcript:    s.transcript,
	}
	if s.failure != nil {
		info.FailedStage = s.failure.Stage
		if s.failure.Cause != nil {
			info.Error = s.failure.Cause.Error()
		}
	}
	return info
}
