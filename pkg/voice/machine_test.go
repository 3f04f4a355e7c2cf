package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeCapture struct {
	mu          sync.Mutex
	unsupported bool
	handlers    *CaptureHandlers
	starts      int
	stops       int
	StartErr    error
	// holdEnd keeps the source open after Stop until end is called.
	holdEnd bool
}

func (f *fakeCapture) Supported() bool { return !f.unsupported }

func (f *fakeCapture) Start(h CaptureHandlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.starts++
	f.handlers = &h
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if h := f.handlers; h != nil && !f.holdEnd {
		go h.OnEnd()
	}
}

func (f *fakeCapture) emit(text string, final bool) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnResult(Fragment{Text: text, Final: final})
}

func (f *fakeCapture) end() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnEnd()
}

func (f *fakeCapture) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeSender struct {
	SendFunc func(ctx context.Context, text string) (Reply, error)
	mu       sync.Mutex
	texts    []string
}

func (f *fakeSender) Send(ctx context.Context, text string) (Reply, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(ctx, text)
	}
	return Reply{Text: "reply to " + text}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSynth struct {
	SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if f.SynthesizeFunc != nil {
		return f.SynthesizeFunc(ctx, text)
	}
	return []byte("mp3:" + text), nil
}

type fakePlayback struct {
	stopped atomic.Bool
}

func (p *fakePlayback) Stop() { p.stopped.Store(true) }

type fakePlayer struct {
	mu      sync.Mutex
	clips   [][]byte
	plays   []*fakePlayback
	endings []func()
	PlayErr error
}

func (f *fakePlayer) Play(audio []byte, onEnded func()) (Playback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PlayErr != nil {
		return nil, f.PlayErr
	}
	pb := &fakePlayback{}
	f.clips = append(f.clips, audio)
	f.plays = append(f.plays, pb)
	f.endings = append(f.endings, onEnded)
	return pb, nil
}

func (f *fakePlayer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plays)
}

func (f *fakePlayer) playback(i int) *fakePlayback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plays[i]
}

func (f *fakePlayer) finish(i int) {
	f.mu.Lock()
	end := f.endings[i]
	f.mu.Unlock()
	end()
}

type recorder struct {
	mu      sync.Mutex
	states  []FSMState
	errs    []error
	replies []Reply
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnState: func(s Snapshot) {
			r.mu.Lock()
			r.states = append(r.states, s.State)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OnReply: func(rep Reply) {
			r.mu.Lock()
			r.replies = append(r.replies, rep)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) events() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states) + len(r.errs) + len(r.replies)
}

type rig struct {
	capture *fakeCapture
	sender  *fakeSender
	synth   *fakeSynth
	player  *fakePlayer
	rec     *recorder
	m       *Machine
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{capture: &fakeCapture{}, sender: &fakeSender{}, synth: &fakeSynth{}, player: &fakePlayer{}, rec: &recorder{}}
	return r
}

func (r *rig) mount(t *testing.T) *Machine {
	t.Helper()
	r.m = New(r.capture, r.sender, r.synth, r.player, r.rec.hooks())
	t.Cleanup(r.m.Close)
	return r.m
}

func waitState(t *testing.T, m *Machine, want FSMState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, tick, "want state %v, have %v", want, m.State())
}

func TestMachine_FullExchange(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)
	require.Equal(t, StateIdle, m.State())

	m.Start()
	waitState(t, m, StateListening)

	r.capture.emit("I feel ", true)
	r.capture.emit("tired", false)
	require.Eventually(t, func() bool { return m.Snapshot().Transcript == "I feel tired" }, waitFor, tick)

	r.capture.emit("tired today", true)
	require.Eventually(t, func() bool { return m.Snapshot().Transcript == "I feel tired today" }, waitFor, tick)

	m.Stop()
	require.Eventually(t, func() bool { return r.player.count() == 1 }, waitFor, tick)
	waitState(t, m, StatePlaying)

	require.Equal(t, []string{"I feel tired today"}, r.sender.sent())
	require.Equal(t, []byte("mp3:reply to I feel tired today"), r.player.clips[0])
	require.Empty(t, m.Snapshot().Transcript)
	_, stops := r.capture.counts()
	require.Equal(t, 1, stops)

	r.player.finish(0)
	waitState(t, m, StateIdle)
	require.Len(t, r.rec.replies, 1)
}

func TestMachine_StopWaitsForLateFinal(t *testing.T) {
	r := newRig(t)
	r.capture.holdEnd = true
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("I feel anx", false)
	require.Eventually(t, func() bool { return m.Snapshot().Transcript == "I feel anx" }, waitFor, tick)

	m.Stop()
	require.Eventually(t, func() bool { _, stops := r.capture.counts(); return stops == 1 }, waitFor, tick)
	require.Equal(t, StateListening, m.State())

	// The recognizer flushes its last result after stop and before it ends.
	r.capture.emit("I feel anxious about my exam", true)
	r.capture.end()

	require.Eventually(t, func() bool { return len(r.sender.sent()) == 1 }, waitFor, tick)
	require.Equal(t, []string{"I feel anxious about my exam"}, r.sender.sent())
	waitState(t, m, StatePlaying)
}

func TestMachine_SecondStopDispatchesWithoutEnd(t *testing.T) {
	r := newRig(t)
	r.capture.holdEnd = true
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("hello", true)
	m.Stop()
	m.Stop()

	require.Eventually(t, func() bool { return len(r.sender.sent()) == 1 }, waitFor, tick)
	_, stops := r.capture.counts()
	require.Equal(t, 1, stops)

	// A late end from the abandoned capture changes nothing.
	r.capture.end()
	waitState(t, m, StatePlaying)
	require.Len(t, r.sender.sent(), 1)
}

func TestMachine_SourceEndsOnItsOwn(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("  hello  ", true)
	r.capture.end()

	require.Eventually(t, func() bool { return len(r.sender.sent()) == 1 }, waitFor, tick)
	require.Equal(t, "hello", r.sender.sent()[0])
	waitState(t, m, StatePlaying)
}

func TestMachine_EmptyTranscriptReturnsToIdle(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("   ", true)
	m.Toggle()

	waitState(t, m, StateIdle)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, r.sender.sent())
}

func TestMachine_StartWhileListeningIsNoop(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	m.Start()
	waitState(t, m, StateListening)
	time.Sleep(20 * time.Millisecond)
	starts, _ := r.capture.counts()
	require.Equal(t, 1, starts)
}

func TestMachine_TranscriptKeptUntilSendSettles(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	r.sender.SendFunc = func(context.Context, string) (Reply, error) {
		<-release
		return Reply{Text: "ok"}, nil
	}
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("still here", true)
	m.Stop()
	waitState(t, m, StateSending)
	require.Equal(t, "still here", m.Snapshot().Transcript)

	// No second request may start while one is in flight.
	m.Start()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateSending, m.State())
	starts, _ := r.capture.counts()
	require.Equal(t, 1, starts)

	close(release)
	waitState(t, m, StatePlaying)
	require.Empty(t, m.Snapshot().Transcript)
	require.Len(t, r.sender.sent(), 1)
}

func TestMachine_EmptyReplySkipsSynthesis(t *testing.T) {
	r := newRig(t)
	r.sender.SendFunc = func(context.Context, string) (Reply, error) { return Reply{}, nil }
	synthCalled := atomic.Bool{}
	r.synth.SynthesizeFunc = func(context.Context, string) ([]byte, error) {
		synthCalled.Store(true)
		return nil, nil
	}
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("hi", true)
	m.Stop()
	require.Eventually(t, func() bool { return len(r.sender.sent()) == 1 }, waitFor, tick)
	waitState(t, m, StateIdle)
	require.False(t, synthCalled.Load())
}

type rejection struct{}

func (rejection) Error() string         { return "rejected" }
func (rejection) ContentRejected() bool { return true }

func TestMachine_ContentRejection(t *testing.T) {
	r := newRig(t)
	r.sender.SendFunc = func(context.Context, string) (Reply, error) { return Reply{}, rejection{} }
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("something", true)
	m.Stop()
	waitState(t, m, StateError)

	errs := r.rec.errors()
	require.Len(t, errs, 1)
	var f *Failure
	require.ErrorAs(t, errs[0], &f)
	require.Equal(t, MessageRejected, f.Message)
	require.True(t, IsContentRejected(errs[0]))
	require.Equal(t, errs[0], m.Snapshot().Err)

	m.Dismiss()
	waitState(t, m, StateIdle)
	require.Nil(t, m.Snapshot().Err)
}

func TestMachine_SynthesisFailure(t *testing.T) {
	r := newRig(t)
	r.synth.SynthesizeFunc = func(context.Context, string) ([]byte, error) { return nil, errors.New("quota exceeded") }
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("hello", true)
	m.Stop()
	waitState(t, m, StateError)

	errs := r.rec.errors()
	require.Len(t, errs, 1)
	require.ErrorContains(t, errs[0], "quota exceeded")
	require.Zero(t, r.player.count())

	// A new recording can start straight from Error.
	m.Start()
	waitState(t, m, StateListening)
}

func TestMachine_UnsupportedCapture(t *testing.T) {
	r := newRig(t)
	r.capture.unsupported = true
	m := r.mount(t)

	require.Equal(t, StateError, m.State())
	m.Start()
	m.Toggle()
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, StateError, m.State())
	errs := r.rec.errors()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrCaptureUnsupported)
	starts, _ := r.capture.counts()
	require.Zero(t, starts)
}

func TestMachine_CaptureStartFailure(t *testing.T) {
	r := newRig(t)
	r.capture.StartErr = errors.New("microphone denied")
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateError)
	require.ErrorContains(t, r.rec.errors()[0], "microphone denied")
}

func TestMachine_SecondRecordingStopsFirstPlayback(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("first", true)
	m.Stop()
	require.Eventually(t, func() bool { return r.player.count() == 1 }, waitFor, tick)
	waitState(t, m, StatePlaying)

	// Record again while the first reply is still playing.
	m.Start()
	waitState(t, m, StateListening)
	require.False(t, r.player.playback(0).stopped.Load())

	r.capture.emit("second", true)
	m.Stop()
	require.Eventually(t, func() bool { return r.player.count() == 2 }, waitFor, tick)
	require.True(t, r.player.playback(0).stopped.Load(), "first playback must stop before the second starts")
	require.False(t, r.player.playback(1).stopped.Load())

	// The stale completion of the first clip does not end the second.
	r.player.finish(0)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StatePlaying, m.State())

	r.player.finish(1)
	waitState(t, m, StateIdle)
}

func TestMachine_CloseWhileListening(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	m.Close()

	_, stops := r.capture.counts()
	require.Equal(t, 1, stops)

	before := r.rec.events()
	r.capture.emit("late", true)
	r.capture.end()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, before, r.rec.events())
}

func TestMachine_CloseDuringSendDropsResult(t *testing.T) {
	r := newRig(t)
	release := make(chan struct{})
	finished := make(chan struct{})
	r.sender.SendFunc = func(context.Context, string) (Reply, error) {
		<-release
		defer close(finished)
		return Reply{Text: "too late"}, nil
	}
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("hello", true)
	m.Stop()
	waitState(t, m, StateSending)

	m.Close()
	before := r.rec.events()
	close(release)
	<-finished
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, before, r.rec.events())
	require.Zero(t, r.player.count())
}

func TestMachine_CloseStopsPlayback(t *testing.T) {
	r := newRig(t)
	m := r.mount(t)

	m.Start()
	waitState(t, m, StateListening)
	r.capture.emit("hello", true)
	m.Stop()
	require.Eventually(t, func() bool { return r.player.count() == 1 }, waitFor, tick)

	m.Close()
	require.True(t, r.player.playback(0).stopped.Load())
	m.Close()
}
