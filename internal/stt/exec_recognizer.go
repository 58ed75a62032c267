package stt

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecEngine drives a recognizer sidecar, typically a sherpa-onnx wrapper,
// over newline-delimited JSON on stdin/stdout. Each request gets exactly one
// response line.
type ExecEngine struct {
	cmd        []string
	numThreads int
	log        *slog.Logger

	mu     sync.Mutex
	proc   *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	err    error
}

type execRequest struct {
	Op         string `json:"op"`
	Stream     string `json:"stream,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	PCM        string `json:"pcm,omitempty"`
}

type execResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Stream   string `json:"stream,omitempty"`
	Ready    bool   `json:"ready,omitempty"`
	Endpoint bool   `json:"endpoint,omitempty"`
	Text     string `json:"text,omitempty"`
}

type execStream struct {
	id string
}

func NewExecEngine(command string, numThreads int, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecEngine{cmd: args, numThreads: numThreads, log: log.With(slog.String("component", "stt-exec"))}, nil
}

// Init resolves the model directory and starts the sidecar with the chosen
// files. A sidecar that failed is replaced. The sidecar outlives ctx; Release
// stops it.
func (e *ExecEngine) Init(ctx context.Context, modelDir string) error {
	files, err := ResolveModel(modelDir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc != nil {
		if e.err == nil {
			return nil
		}
		e.log.Warn("restarting failed stt sidecar", slogError(e.err))
		_ = e.stopLocked()
	}

	args := append([]string{}, e.cmd[1:]...)
	args = append(args,
		"--tokens", files.Tokens,
		"--encoder", files.Encoder,
		"--decoder", files.Decoder,
		"--joiner", files.Joiner,
		"--num-threads", strconv.Itoa(e.numThreads),
	)
	proc := exec.Command(e.cmd[0], args...)
	stdin, err := proc.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return err
	}
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start stt sidecar: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	e.proc = proc
	e.stdin = stdin
	e.stdout = scanner
	e.err = nil

	hello := make(chan error, 1)
	go func() {
		_, err := roundTrip(stdin, scanner, execRequest{Op: "hello"})
		hello <- err
	}()
	select {
	case err = <-hello:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		e.stopLocked()
		return fmt.Errorf("stt sidecar handshake: %w", err)
	}
	e.log.Info("stt sidecar started", slog.String("variant", files.Variant), slog.String("encoder", files.Encoder))
	return nil
}

func (e *ExecEngine) CreateStream() (Stream, error) {
	resp, err := e.call(execRequest{Op: "create"})
	if err != nil {
		return nil, err
	}
	if resp.Stream == "" {
		return nil, errors.New("stt sidecar returned no stream id")
	}
	return &execStream{id: resp.Stream}, nil
}

func (e *ExecEngine) AcceptWaveform(s Stream, samples []float32, sampleRate int) error {
	id, err := streamID(s)
	if err != nil {
		return err
	}
	_, err = e.call(execRequest{Op: "accept", Stream: id, SampleRate: sampleRate, PCM: encodePCM(samples)})
	return err
}

func (e *ExecEngine) IsReady(s Stream) bool {
	resp, ok := e.query(s, "is_ready")
	return ok && resp.Ready
}

func (e *ExecEngine) Decode(s Stream) error {
	id, err := streamID(s)
	if err != nil {
		return err
	}
	_, err = e.call(execRequest{Op: "decode", Stream: id})
	return err
}

func (e *ExecEngine) Result(s Stream) Result {
	resp, _ := e.query(s, "result")
	return Result{Text: resp.Text}
}

func (e *ExecEngine) IsEndpoint(s Stream) bool {
	resp, ok := e.query(s, "is_endpoint")
	return ok && resp.Endpoint
}

func (e *ExecEngine) Reset(s Stream)         { e.query(s, "reset") }
func (e *ExecEngine) InputFinished(s Stream) { e.query(s, "input_finished") }
func (e *ExecEngine) ReleaseStream(s Stream) { e.query(s, "release") }

// Err returns the first transport failure. The engine is unusable until the
// next Init.
func (e *ExecEngine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *ExecEngine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopLocked()
}

func (e *ExecEngine) query(s Stream, op string) (execResponse, bool) {
	id, err := streamID(s)
	if err != nil {
		return execResponse{}, false
	}
	resp, err := e.call(execRequest{Op: op, Stream: id})
	if err != nil {
		e.log.Warn("stt sidecar call failed", slog.String("op", op), slogError(err))
		return execResponse{}, false
	}
	return resp, true
}

func (e *ExecEngine) call(req execRequest) (execResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.callLocked(req)
}

func (e *ExecEngine) callLocked(req execRequest) (execResponse, error) {
	if e.err != nil {
		return execResponse{}, e.err
	}
	if e.proc == nil {
		return execResponse{}, errors.New("stt sidecar not running")
	}
	resp, err := roundTrip(e.stdin, e.stdout, req)
	if err != nil {
		var remote *remoteError
		if !errors.As(err, &remote) {
			e.err = fmt.Errorf("%w: %w", ErrEngineFailed, err)
			return resp, e.err
		}
		return resp, err
	}
	return resp, nil
}

type remoteError struct {
	op  string
	msg string
}

func (e *remoteError) Error() string { return fmt.Sprintf("stt sidecar %s: %s", e.op, e.msg) }

func roundTrip(w io.Writer, r *bufio.Scanner, req execRequest) (execResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return execResponse{}, err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return execResponse{}, fmt.Errorf("write to stt sidecar: %w", err)
	}
	if !r.Scan() {
		err := r.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return execResponse{}, fmt.Errorf("read from stt sidecar: %w", err)
	}
	var resp execResponse
	if err := json.Unmarshal(r.Bytes(), &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode stt sidecar response: %w", err)
	}
	if !resp.OK {
		return resp, &remoteError{op: req.Op, msg: resp.Error}
	}
	return resp, nil
}

func (e *ExecEngine) stopLocked() error {
	if e.proc == nil {
		return nil
	}
	proc := e.proc
	e.proc = nil
	_ = e.stdin.Close()

	waited := make(chan error, 1)
	go func() { waited <- proc.Wait() }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		_ = proc.Process.Kill()
		<-waited
	}
	return nil
}

func streamID(s Stream) (string, error) {
	st, ok := s.(*execStream)
	if !ok || st == nil {
		return "", errors.New("foreign stream handle")
	}
	return st.id, nil
}

func encodePCM(samples []float32) string {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return base64.StdEncoding.EncodeToString(buf)
}
