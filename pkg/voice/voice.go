// Package voice drives a spoken exchange: capture an utterance, send it,
// synthesize the reply and play it back. The platform pieces (speech
// recognition, network, audio output) are supplied through small interfaces.
package voice

import (
	"context"
	"errors"
)

// Messages shown to the user when a session fails.
const (
	MessageRejected    = "Your message was flagged by our safety filter. Please rephrase your message to focus on personal feelings and experiences."
	MessageUnsupported = "Speech recognition is not supported in this browser."
	MessageFailed      = "Sorry, something went wrong. Please try again."
)

// ErrCaptureUnsupported is reported once when the capture source has no
// recognition capability.
var ErrCaptureUnsupported = errors.New("speech capture unsupported")

// Fragment is one recognition result. Interim fragments replace each other;
// final fragments accumulate.
type Fragment struct {
	Text  string
	Final bool
}

// CaptureHandlers are installed by the machine on every Start.
type CaptureHandlers struct {
	OnResult func(Fragment)
	OnEnd    func()
}

// CaptureSource is a speech recognizer. OnEnd fires when recognition stops,
// whether through Stop or on its own.
type CaptureSource interface {
	Supported() bool
	Start(h CaptureHandlers) error
	Stop()
}

// Reply is what the reasoning round-trip produced for an utterance.
type Reply struct {
	Text           string
	ConversationID int64
}

type Sender interface {
	Send(ctx context.Context, text string) (Reply, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Playback is a started audio clip.
type Playback interface {
	Stop()
}

// Player starts audio. onEnded is called once when playback completes
// naturally.
type Player interface {
	Play(audio []byte, onEnded func()) (Playback, error)
}

// Rejection is implemented by errors that represent a content-safety refusal.
type Rejection interface {
	ContentRejected() bool
}

// IsContentRejected reports whether err carries a content-safety refusal.
func IsContentRejected(err error) bool {
	var r Rejection
	return errors.As(err, &r) && r.ContentRejected()
}

// Failure is the error reported through Hooks.OnError. Message is safe to
// show to the user.
type Failure struct {
	Message string
	Err     error
}

func (f *Failure) Error() string { return f.Message + ": " + f.Err.Error() }
func (f *Failure) Unwrap() error { return f.Err }

func asFailure(err error) *Failure {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f
	case IsContentRejected(err):
		return &Failure{Message: MessageRejected, Err: err}
	case errors.Is(err, ErrCaptureUnsupported):
		return &Failure{Message: MessageUnsupported, Err: err}
	default:
		return &Failure{Message: MessageFailed, Err: err}
	}
}

// Hooks observe the machine. They run on the machine's event loop, or inside New
// for the initial state, and must not call Close.
type Hooks struct {
	OnState func(Snapshot)
	OnError func(error)
	OnReply func(Reply)
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	State      FSMState
	Transcript string
	Err        error
}
