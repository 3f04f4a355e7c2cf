package voice

import (
	"context"
	"strings"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/logger"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle         FSMState = "Idle"
	StateListening    FSMState = "Listening"
	StateFinalizing   FSMState = "Finalizing"
	StateSending      FSMState = "Sending"
	StateSynthesizing FSMState = "Synthesizing"
	StatePlaying      FSMState = "Playing"
	StateError        FSMState = "Error"
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerStart         FSMTrigger = "Start"
	TriggerCaptureEnded  FSMTrigger = "CaptureEnded"
	TriggerDispatch      FSMTrigger = "Dispatch"
	TriggerDiscard       FSMTrigger = "Discard"
	TriggerReplied       FSMTrigger = "Replied"
	TriggerNoReply       FSMTrigger = "NoReply"
	TriggerAudioReady    FSMTrigger = "AudioReady"
	TriggerPlaybackEnded FSMTrigger = "PlaybackEnded"
	TriggerFail          FSMTrigger = "Fail"
	TriggerDismiss       FSMTrigger = "Dismiss"
)

const eventBuffer = 64

// Machine is one voice session. Every state change happens on a single event
// loop goroutine; capture callbacks, network completions and user commands are
// queued onto it. At most one send or synthesis is in flight and at most one
// playback is held.
type Machine struct {
	fsm     *stateless.StateMachine
	capture CaptureSource
	sender  Sender
	synth   Synthesizer
	player  Player
	hooks   Hooks

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.RWMutex
	snap Snapshot

	// Owned by the loop goroutine.
	final      string
	interim    string
	outgoing   string
	reply      Reply
	playback   Playback
	playGen    uint64
	captureGen uint64
	capturing  bool
	stopping   bool
	lastErr    error
}

// New mounts a session. If capture is unsupported the machine starts in
// StateError, reports ErrCaptureUnsupported once and ignores Start.
func New(capture CaptureSource, sender Sender, synth Synthesizer, player Player, hooks Hooks) *Machine {
	m := &Machine{
		capture: capture,
		sender:  sender,
		synth:   synth,
		player:  player,
		hooks:   hooks,
		events:  make(chan func(), eventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.fsm = stateless.NewStateMachine(StateIdle)
	m.configure()
	m.publish()

	if !capture.Supported() {
		m.fail(ErrCaptureUnsupported)
	}

	go m.loop()
	return m
}

func (m *Machine) configure() {
	m.fsm.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		logger.L.Debug("voice transition", "from", tr.Source, "to", tr.Destination, "trigger", tr.Trigger)
		m.publish()
	})

	m.fsm.Configure(StateIdle).
		Permit(TriggerStart, StateListening).
		Permit(TriggerFail, StateError).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerPlaybackEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StateListening).
		OnEntry(m.enterListening).
		Permit(TriggerCaptureEnded, StateFinalizing).
		Permit(TriggerFail, StateError).
		Ignore(TriggerStart).
		Ignore(TriggerPlaybackEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StateFinalizing).
		OnEntry(m.enterFinalizing).
		Permit(TriggerDispatch, StateSending).
		Permit(TriggerDiscard, StateIdle).
		Permit(TriggerFail, StateError).
		Ignore(TriggerStart).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerPlaybackEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StateSending).
		OnEntry(m.enterSending).
		Permit(TriggerReplied, StateSynthesizing).
		Permit(TriggerNoReply, StateIdle).
		Permit(TriggerFail, StateError).
		Ignore(TriggerStart).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerPlaybackEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StateSynthesizing).
		OnEntry(m.enterSynthesizing).
		Permit(TriggerAudioReady, StatePlaying).
		Permit(TriggerFail, StateError).
		Ignore(TriggerStart).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerPlaybackEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StatePlaying).
		OnEntry(m.enterPlaying).
		Permit(TriggerPlaybackEnded, StateIdle).
		Permit(TriggerStart, StateListening).
		Permit(TriggerFail, StateError).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerDismiss)

	m.fsm.Configure(StateError).
		OnEntry(func(_ context.Context, _ ...any) error {
			if m.hooks.OnError != nil {
				m.hooks.OnError(m.lastErr)
			}
			return nil
		}).
		PermitReentry(TriggerFail).
		Permit(TriggerDismiss, StateIdle).
		Permit(TriggerStart, StateListening).
		Ignore(TriggerCaptureEnded).
		Ignore(TriggerPlaybackEnded)
}

func (m *Machine) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.quit:
			m.teardown()
			return
		}
	}
}

// post queues fn on the loop. It is dropped once Close has begun.
func (m *Machine) post(fn func()) {
	select {
	case m.events <- fn:
	case <-m.quit:
	}
}

// Start begins capturing an utterance. It is a no-op while listening or while
// a previous utterance is still being sent or synthesized.
func (m *Machine) Start() {
	m.post(m.start)
}

// Stop asks the capture source to end. Fragments it delivers before its end
// signal still count; the transcript is dispatched once the source reports
// the end. A second Stop while waiting dispatches right away.
func (m *Machine) Stop() {
	m.post(m.stop)
}

// Toggle stops when listening and starts otherwise.
func (m *Machine) Toggle() {
	m.post(func() {
		if m.current() == StateListening {
			m.stop()
			return
		}
		m.start()
	})
}

// Dismiss clears an error and returns to Idle.
func (m *Machine) Dismiss() {
	m.post(func() { m.fire(TriggerDismiss) })
}

// Close tears the session down and waits for it: capture is stopped, its
// handlers detached and playback stopped. No hook runs after Close returns.
// In-flight sends and syntheses complete in the background; their results
// are dropped.
func (m *Machine) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
}

// Snapshot returns the last published state. Safe from any goroutine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Machine) State() FSMState { return m.Snapshot().State }

func (m *Machine) current() FSMState { return FSMState(m.fsm.MustState()) }

func (m *Machine) fire(t FSMTrigger, args ...any) {
	if err := m.fsm.Fire(t, args...); err != nil {
		logger.L.Warn("voice trigger rejected", "trigger", t, "state", m.current(), "error", err)
	}
}

func (m *Machine) fail(err error) {
	m.lastErr = asFailure(err)
	m.fire(TriggerFail)
}

func (m *Machine) publish() {
	snap := Snapshot{State: m.current(), Transcript: m.final + m.interim}
	if snap.State == StateError {
		snap.Err = m.lastErr
	}
	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
	if m.hooks.OnState != nil {
		m.hooks.OnState(snap)
	}
}

func (m *Machine) start() {
	if !m.capture.Supported() {
		return
	}
	m.fire(TriggerStart)
}

func (m *Machine) stop() {
	if m.current() != StateListening {
		return
	}
	if m.stopping {
		m.endCapture()
		return
	}
	m.stopping = true
	m.capture.Stop()
}

func (m *Machine) endCapture() {
	m.captureGen++
	m.capturing = false
	m.stopping = false
	m.fire(TriggerCaptureEnded)
}

func (m *Machine) enterListening(_ context.Context, _ ...any) error {
	m.final, m.interim = "", ""
	m.lastErr = nil
	m.stopping = false
	m.captureGen++
	gen := m.captureGen

	err := m.capture.Start(CaptureHandlers{
		OnResult: func(f Fragment) { m.post(func() { m.onFragment(gen, f) }) },
		OnEnd:    func() { m.post(func() { m.onCaptureEnd(gen) }) },
	})
	if err != nil {
		m.fail(err)
		return nil
	}
	m.capturing = true
	return nil
}

func (m *Machine) onFragment(gen uint64, f Fragment) {
	if gen != m.captureGen || m.current() != StateListening {
		return
	}
	if f.Final {
		m.final += f.Text
		m.interim = ""
	} else {
		m.interim = f.Text
	}
	m.publish()
}

func (m *Machine) onCaptureEnd(gen uint64) {
	if gen != m.captureGen {
		return
	}
	m.endCapture()
}

func (m *Machine) enterFinalizing(_ context.Context, _ ...any) error {
	text := strings.TrimSpace(m.final + m.interim)
	if text == "" {
		m.final, m.interim = "", ""
		m.fire(TriggerDiscard)
		return nil
	}
	m.outgoing = text
	m.fire(TriggerDispatch)
	return nil
}

func (m *Machine) enterSending(_ context.Context, _ ...any) error {
	text := m.outgoing
	go func() {
		reply, err := m.sender.Send(context.Background(), text)
		m.post(func() { m.onSent(reply, err) })
	}()
	return nil
}

func (m *Machine) onSent(reply Reply, err error) {
	if m.current() != StateSending {
		return
	}
	m.final, m.interim, m.outgoing = "", "", ""
	if err != nil {
		m.fail(err)
		return
	}
	if m.hooks.OnReply != nil {
		m.hooks.OnReply(reply)
	}
	if strings.TrimSpace(reply.Text) == "" {
		m.fire(TriggerNoReply)
		return
	}
	m.reply = reply
	m.fire(TriggerReplied)
}

func (m *Machine) enterSynthesizing(_ context.Context, _ ...any) error {
	text := m.reply.Text
	go func() {
		audio, err := m.synth.Synthesize(context.Background(), text)
		m.post(func() { m.onSynthesized(audio, err) })
	}()
	return nil
}

func (m *Machine) onSynthesized(audio []byte, err error) {
	if m.current() != StateSynthesizing {
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.fire(TriggerAudioReady, audio)
}

func (m *Machine) enterPlaying(_ context.Context, args ...any) error {
	var audio []byte
	if len(args) > 0 {
		audio, _ = args[0].([]byte)
	}

	if m.playback != nil {
		m.playback.Stop()
		m.playback = nil
	}
	m.playGen++
	gen := m.playGen

	pb, err := m.player.Play(audio, func() { m.post(func() { m.onPlaybackEnded(gen) }) })
	if err != nil {
		m.fail(err)
		return nil
	}
	m.playback = pb
	return nil
}

func (m *Machine) onPlaybackEnded(gen uint64) {
	if gen != m.playGen {
		return
	}
	m.playback = nil
	if m.current() == StatePlaying {
		m.fire(TriggerPlaybackEnded)
	}
}

func (m *Machine) teardown() {
	m.captureGen++
	if m.capturing && !m.stopping {
		m.capture.Stop()
	}
	m.capturing, m.stopping = false, false
	m.playGen++
	if m.playback != nil {
		m.playback.Stop()
		m.playback = nil
	}
}
