package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrEngineFailed marks recognizer errors after which the engine cannot be
// used until it is initialized again.
var ErrEngineFailed = errors.New("recognizer engine failed")

// Stream is an engine-owned decoder stream handle.
type Stream interface{}

// Result is the current hypothesis of a stream.
type Result struct {
	Text string
}

// Engine is a stateful streaming recognizer. It is not safe for concurrent
// use; a Session serializes every call.
type Engine interface {
	Init(ctx context.Context, modelDir string) error
	CreateStream() (Stream, error)
	AcceptWaveform(s Stream, samples []float32, sampleRate int) error
	IsReady(s Stream) bool
	Decode(s Stream) error
	Result(s Stream) Result
	IsEndpoint(s Stream) bool
	Reset(s Stream)
	InputFinished(s Stream)
	ReleaseStream(s Stream)
	Release() error
}

// Transcript is one of Partial, Final or Error.
type Transcript interface {
	transcript()
}

// Partial is an interim hypothesis. The Partial emitted right before a Final
// has IsEndpoint set.
type Partial struct {
	Utterance  int
	Text       string
	IsEndpoint bool
}

// Final is the completed text of one utterance.
type Final struct {
	Utterance int
	Text      string
	Rule      Rule
}

// Error ends a recognition session.
type Error struct {
	Utterance int
	Message   string
	Err       error
}

func (Partial) transcript() {}
func (Final) transcript()   {}
func (Error) transcript()   {}

func (e Error) Unwrap() error { return e.Err }

func (e Error) Error() string { return e.Message }

func newError(utterance int, err error) Error {
	return Error{Utterance: utterance, Message: err.Error(), Err: err}
}

// Describe renders a transcript for logs.
func Describe(t Transcript) string {
	switch v := t.(type) {
	case Partial:
		if v.IsEndpoint {
			return fmt.Sprintf("partial#%d(endpoint) %q", v.Utterance, v.Text)
		}
		return fmt.Sprintf("partial#%d %q", v.Utterance, v.Text)
	case Final:
		return fmt.Sprintf("final#%d(%s) %q", v.Utterance, v.Rule, v.Text)
	case Error:
		return fmt.Sprintf("error#%d %s", v.Utterance, v.Message)
	default:
		panic(fmt.Sprintf("stt: unknown transcript %T", t))
	}
}
