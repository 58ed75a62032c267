package protocol

import "time"

// Command subjects use request/reply; every reply is a CommandReply.
const (
	SubjectCmdRecordStart     = "voicechat.cmd.record.start"
	SubjectCmdRecordStop      = "voicechat.cmd.record.stop"
	SubjectCmdTextSubmit      = "voicechat.cmd.text.submit"
	SubjectCmdGenerationAbort = "voicechat.cmd.generation.abort"
	SubjectCmdEngineInit      = "voicechat.cmd.engine.init"
	SubjectCmdHistoryClear    = "voicechat.cmd.history.clear"
	SubjectCmdHistoryList     = "voicechat.cmd.history.list"
	SubjectCmdStatus          = "voicechat.cmd.status"
)

// Event subjects.
const (
	SubjectStatus      = "voicechat.status"
	SubjectTranscript  = "voicechat.transcript"
	SubjectDraft       = "voicechat.draft"
	SubjectMessage     = "voicechat.message"
	SubjectEngineState = "voicechat.engine.state"
	SubjectTTSAudio    = "voicechat.tts.audio"
	SubjectTTSDone     = "voicechat.tts.done"
)

// Reply codes.
const (
	CodeOK       = "ok"
	CodeBusy     = "busy"
	CodeNotReady = "not_ready"
	CodeInvalid  = "invalid"
	CodeFailed   = "failed"
)

type CommandReply struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
	State string `json:"state,omitempty"`
}

type SubmitText struct {
	Text string `json:"text"`
}

type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type HistoryReply struct {
	CommandReply
	Messages []Message `json:"messages"`
}

// Status mirrors the pipeline snapshot for UIs.
type Status struct {
	State      string    `json:"state"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Draft      string    `json:"draft,omitempty"`
	Messages   int       `json:"messages"`
	Timestamp  time.Time `json:"timestamp"`
}

type StatusReply struct {
	CommandReply
	Status Status `json:"status"`
}

// Transcript is the live recognition text of the current utterance.
type Transcript struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Draft is the in-flight assistant reply. Token holds the text added since
// the previous draft event.
type Draft struct {
	Token     string    `json:"token"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type EngineState struct {
	Engine    string    `json:"engine"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized speech.
type AudioChunk struct {
	MessageID  int64  `json:"message_id"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

type TTSStatus struct {
	MessageID int64     `json:"message_id"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
