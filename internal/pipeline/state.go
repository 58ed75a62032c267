package pipeline

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/convstore"
)

// State is one of Idle, Listening, Dispatching, Generating or Failed.
type State interface {
	pipelineState()
	String() string
}

type Idle struct{}

type Listening struct{}

// Dispatching covers persisting the user message and handing it to the
// generator.
type Dispatching struct{}

type Generating struct{}

// Failed is entered when engine initialization fails. A later successful
// Initialize returns the pipeline to Idle.
type Failed struct {
	Message string
}

func (Idle) pipelineState()        {}
func (Listening) pipelineState()   {}
func (Dispatching) pipelineState() {}
func (Generating) pipelineState()  {}
func (Failed) pipelineState()      {}

func (Idle) String() string        { return "idle" }
func (Listening) String() string   { return "listening" }
func (Dispatching) String() string { return "dispatching" }
func (Generating) String() string  { return "generating" }
func (Failed) String() string      { return "error" }

// Busy reports whether s holds the recognizer or the generator.
func Busy(s State) bool {
	switch s.(type) {
	case Idle, Failed:
		return false
	case Listening, Dispatching, Generating:
		return true
	default:
		panic(fmt.Sprintf("pipeline: unknown state %T", s))
	}
}

// Status is the coarse value shown to users.
type Status int

const (
	StatusIdle Status = iota
	StatusModelLoading
	StatusModelReady
	StatusModelError
	StatusListening
	StatusGenerating
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusModelLoading:
		return "model_loading"
	case StatusModelReady:
		return "model_ready"
	case StatusModelError:
		return "model_error"
	case StatusListening:
		return "listening"
	case StatusGenerating:
		return "generating"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Snapshot is an immutable view of the pipeline. A new one is built on every
// change; readers never observe a partial update.
type Snapshot struct {
	Seq    uint64
	State  State
	Status Status
	// Detail is the ModelError text, or a transient note such as a
	// recognition failure.
	Detail     string
	Transcript string
	Draft      string
	Messages   []convstore.Message
	At         time.Time
}
