package session

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerConcurrentIDsAreContiguous(t *testing.T) {
	const workers = 32
	const perWorker = 250

	seq := NewSequencer()

	var mu sync.Mutex
	ids := make([]uint64, 0, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, seq.Next())
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	require.Len(t, ids, workers*perWorker)
	for i, id := range ids {
		require.Equal(t, uint64(i+1), id, "ids must be exactly 1..N")
	}
	assert.Equal(t, uint64(workers*perWorker), seq.Last())
}

func TestSequencerStartsAtOne(t *testing.T) {
	seq := NewSequencer()
	assert.Equal(t, uint64(0), seq.Last())
	assert.Equal(t, uint64(1), seq.Next())
	assert.Equal(t, uint64(2), seq.Next())
}

func TestSessionForwardTransitions(t *testing.T) {
	s := New(1, "10.0.0.5:5000", "/data/a.raw", time.Now())
	require.Equal(t, StateReceiving, s.State())

	require.NoError(t, s.Transition(StateEncoding))
	require.NoError(t, s.Transition(StateTranscribing))
	require.NoError(t, s.Transition(StatePublishing))
	require.NoError(t, s.Transition(StateCompleted))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed after reaching a terminal state")
	}
	assert.Nil(t, s.Failure())
}

func TestSessionSkipsAreForward(t *testing.T) {
	s := New(1, "peer", "/data/a.raw", time.Now())
	require.NoError(t, s.Transition(StateTranscribing))
	require.NoError(t, s.Transition(StateCompleted))
}

func TestSessionRejectsBackwardTransitions(t *testing.T) {
	s := New(1, "peer", "/data/a.raw", time.Now())
	require.NoError(t, s.Transition(StateTranscribing))

	err := s.Transition(StateEncoding)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.Transition(StateTranscribing)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = s.Transition(StateFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSessionFailIsTerminal(t *testing.T) {
	cause := errors.New("connection reset")
	s := New(7, "peer", "/data/a.raw", time.Now())

	require.NoError(t, s.Fail(StageReceiving, cause))
	assert.Equal(t, StateFailed, s.State())

	f := s.Failure()
	require.NotNil(t, f)
	assert.Equal(t, StageReceiving, f.Stage)
	assert.ErrorIs(t, f.Cause, cause)

	assert.ErrorIs(t, s.Fail(StageAborted, nil), ErrInvalidTransition)
	assert.ErrorIs(t, s.Transition(StateCompleted), ErrInvalidTransition)
}

func TestSessionSnapshot(t *testing.T) {
	start := time.Now().Add(-2 * time.Second)
	s := New(3, "peer:1", "/data/x.raw", start)
	s.AddBytes(100)
	s.AddBytes(28)
	s.SetArtifact("/data/x.mp3")
	require.NoError(t, s.Fail(StageEncoding, errors.New("ffmpeg exited 1")))

	info := s.Snapshot()
	assert.Equal(t, uint64(3), info.ID)
	assert.Equal(t, int64(128), info.BytesReceived)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, StageEncoding, info.FailedStage)
	assert.Equal(t, "ffmpeg exited 1", info.Error)
	assert.Equal(t, "/data/x.mp3", info.Artifact)
	assert.GreaterOrEqual(t, info.Elapsed, 2*time.Second)
}

func TestParsePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		base    string
		ext     string
	}{
		{name: "empty uses defaults", pattern: "", base: "audio", ext: "raw"},
		{name: "base and extension", pattern: "kitchen.pcm", base: "kitchen", ext: "pcm"},
		{name: "no extension", pattern: "kitchen", base: "kitchen", ext: "raw"},
		{name: "directory is ignored", pattern: "some/dir/mic.raw", base: "mic", ext: "raw"},
		{name: "trailing dot", pattern: "mic.", base: "mic", ext: "raw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := ParsePattern("data", tt.pattern)
			assert.Equal(t, "data", n.DataDir)
			assert.Equal(t, tt.base, n.BaseName)
			assert.Equal(t, tt.ext, n.Extension)
		})
	}
}

func TestNamingPath(t *testing.T) {
	n := ParsePattern("data", "audio.raw")
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)

	assert.Equal(t, filepath.Join("data", "audio_20240309_070501_12.raw"), n.Path(12, ts))
	assert.NotEqual(t, n.Path(12, ts), n.Path(13, ts), "distinct ids must give distinct paths")
}

func TestReplaceExt(t *testing.T) {
	assert.Equal(t, "data/audio_1.mp3", ReplaceExt("data/audio_1.raw", "mp3"))
	assert.Equal(t, "data/audio_1.wav", ReplaceExt("data/audio_1.raw", ".wav"))
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	a := New(1, "a", "/data/1.raw", time.Now())
	b := New(2, "b", "/data/2.raw", time.Now())
	r.Add(b)
	r.Add(a)

	live := r.Live()
	require.Len(t, live, 2)
	assert.Equal(t, uint64(1), live[0].ID)

	require.NoError(t, a.Transition(StateCompleted))
	r.Finish(a)
	require.NoError(t, b.Fail(StageTranscribing, errors.New("timeout")))
	r.Finish(b)
	r.Finish(b)

	stats := r.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, uint64(2), stats.Finished)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Completed)

	info, ok := r.Get(2)
	require.True(t, ok)
	assert.Equal(t, StateFailed, info.State)

	_, ok = r.Get(99)
	assert.False(t, ok)
	assert.Len(t, r.List(), 2)
}

func TestStateTextRoundTrip(t *testing.T) {
	for st := StateReceiving; st <= StateFailed; st++ {
		t.Run(st.String(), func(t *testing.T) {
			data, err := json.Marshal(st)
			require.NoError(t, err)
			assert.Equal(t, `"`+st.String()+`"`, string(data))

			var got State
			require.NoError(t, json.Unmarshal(data, &got))
			assert.Equal(t, st, got)
		})
	}

	var st State
	assert.Error(t, st.UnmarshalText([]byte("paused")))
	assert.Error(t, json.Unmarshal([]byte(`"unknown(9)"`), &st))
}

func TestInfoDecodesFromJSON(t *testing.T) {
	s := New(4, "192.0.2.1:5000", filepath.Join(t.TempDir(), "a.raw"), time.Now())
	s.AddBytes(2048)
	require.NoError(t, s.Transition(StateTranscribing))

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var info Info
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, uint64(4), info.ID)
	assert.Equal(t, StateTranscribing, info.State)
}
