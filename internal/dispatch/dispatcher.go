// Package dispatch drives one realtime conversation: it routes session updates
// to the audio and transcript sinks, runs tool calls and resumes the session
// with their results.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/realtime"
	"github.com/ent0n29/voicerag/internal/transcript"
)

// Session is the live conversation the dispatcher consumes.
type Session interface {
	Updates() <-chan realtime.Update
	Err() error
	AddItem(ctx context.Context, item realtime.Item) error
	StartResponse(ctx context.Context) error
}

// ToolExecutor runs a named tool with JSON arguments.
type ToolExecutor interface {
	Invoke(ctx context.Context, name, arguments string) (string, error)
}

// ToolErrorPolicy decides what a failed tool call does to the conversation.
type ToolErrorPolicy string

const (
	// PolicyFail aborts Run with the tool error.
	PolicyFail ToolErrorPolicy = "fail"
	// PolicyContinue reports the error to diagnostics and keeps going
	// without submitting an output.
	PolicyContinue ToolErrorPolicy = "continue"
)

// Options configures a Dispatcher. Nil sinks discard their output; Logger
// receives progress lines such as tool invocations.
type Options struct {
	Audio           io.Writer
	Transcript      io.Writer
	Diagnostics     io.Writer
	Logger          *log.Logger
	ToolErrorPolicy ToolErrorPolicy
	Metrics         *observability.Metrics
	Store           transcript.Store
	ConversationID  string
}

// Result summarizes a finished conversation.
type Result struct {
	Turns      int
	ToolCalls  int
	AudioBytes int64
}

type Dispatcher struct {
	session Session
	tools   ToolExecutor

	audio       io.Writer
	transcript  io.Writer
	diagnostics io.Writer
	logger      *log.Logger
	policy      ToolErrorPolicy
	metrics     *observability.Metrics
	store       transcript.Store
	convID      string

	pending    PendingCalls
	turnText   strings.Builder
	turnStart  time.Time
	heardAudio bool
	result     Result
}

func New(session Session, tools ToolExecutor, opts Options) *Dispatcher {
	d := &Dispatcher{
		session:     session,
		tools:       tools,
		audio:       opts.Audio,
		transcript:  opts.Transcript,
		diagnostics: opts.Diagnostics,
		logger:      opts.Logger,
		policy:      opts.ToolErrorPolicy,
		metrics:     opts.Metrics,
		store:       opts.Store,
		convID:      opts.ConversationID,
		pending:     PendingCalls{},
	}
	if d.audio == nil {
		d.audio = io.Discard
	}
	if d.transcript == nil {
		d.transcript = io.Discard
	}
	if d.diagnostics == nil {
		d.diagnostics = io.Discard
	}
	if d.logger == nil {
		d.logger = log.New(io.Discard, "", 0)
	}
	if d.policy == "" {
		d.policy = PolicyFail
	}
	return d
}

// Pending exposes the argument buffers. It is only safe to call once Run has
// returned.
func (d *Dispatcher) Pending() PendingCalls { return d.pending }

// Run consumes session updates in arrival order until the model finishes a
// response turn without calling a tool, the session reports an error, the
// update stream closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch conversation")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", d.convID))

	updates := d.session.Updates()
	d.startTurn()
	for {
		var (
			u  realtime.Update
			ok bool
		)
		select {
		case <-ctx.Done():
			return d.fail(span, ctx.Err())
		case u, ok = <-updates:
		}
		if !ok {
			if err := d.session.Err(); err != nil {
				return d.fail(span, fmt.Errorf("%w: %w", ErrStreamClosed, err))
			}
			return d.fail(span, ErrStreamClosed)
		}

		done, err := d.handle(ctx, u)
		if err != nil {
			return d.fail(span, err)
		}
		if done {
			span.SetAttributes(
				attribute.Int("conversation.turns", d.result.Turns),
				attribute.Int("conversation.tool_calls", d.result.ToolCalls),
			)
			return d.result, nil
		}
	}
}

func (d *Dispatcher) fail(span trace.Span, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return d.result, err
}

// handle processes one update and reports whether the conversation is over.
func (d *Dispatcher) handle(ctx context.Context, u realtime.Update) (bool, error) {
	if u == nil {
		return false, nil
	}
	logger.DebugContext(ctx, "session update", "kind", string(u.Kind()))
	if d.metrics != nil {
		d.metrics.Updates.WithLabelValues(string(u.Kind())).Inc()
	}

	switch u := u.(type) {
	case realtime.FunctionCallArgumentsDelta:
		d.pending.Append(u.CallID, u.Delta)

	case realtime.AudioDelta:
		if len(u.Bytes) == 0 {
			return false, nil
		}
		if _, err := d.audio.Write(u.Bytes); err != nil {
			return false, fmt.Errorf("write audio: %w", err)
		}
		d.result.AudioBytes += int64(len(u.Bytes))
		if d.metrics != nil {
			d.metrics.AudioBytes.Add(float64(len(u.Bytes)))
			if !d.heardAudio {
				d.metrics.ObserveFirstAudioLatency(time.Since(d.turnStart))
			}
		}
		d.heardAudio = true

	case realtime.OutputTranscriptDelta:
		if _, err := io.WriteString(d.transcript, u.Delta); err != nil {
			return false, fmt.Errorf("write transcript: %w", err)
		}
		d.turnText.WriteString(u.Delta)

	case realtime.ItemFinished:
		return false, d.handleItemFinished(ctx, u)

	case realtime.ResponseFinished:
		d.result.Turns++
		d.saveAssistantTurn(ctx)
		if u.HasFunctionCall() {
			d.logger.Printf(" -> Short circuit the client turn due to function invocation")
			d.observeTurn("tool")
			if err := d.session.StartResponse(ctx); err != nil {
				return false, fmt.Errorf("start response: %w", err)
			}
			d.startTurn()
			return false, nil
		}
		d.observeTurn("final")
		return true, nil

	case realtime.ErrorUpdate:
		fmt.Fprintf(d.diagnostics, "Error! %s\n", u.String())
		d.observeTurn("error")
		if d.metrics != nil {
			d.metrics.SessionErrors.WithLabelValues(u.Type, u.Code).Inc()
		}
		return false, &SessionError{Update: u}
	}
	return false, nil
}

func (d *Dispatcher) handleItemFinished(ctx context.Context, u realtime.ItemFinished) error {
	if u.FunctionCallID == "" {
		return nil
	}
	args := d.pending.Take(u.FunctionCallID)
	if args == "" {
		return nil
	}

	d.logger.Printf(" -> Invoking: %s(%s)", u.FunctionName, args)
	d.result.ToolCalls++
	started := time.Now()
	output, err := d.tools.Invoke(ctx, u.FunctionName, args)
	if err != nil {
		d.observeTool(u.FunctionName, "error", time.Since(started))
		if d.policy == PolicyContinue {
			fmt.Fprintf(d.diagnostics, "Error! tool %s failed: %v\n", u.FunctionName, err)
			return nil
		}
		return fmt.Errorf("invoke tool %s: %w", u.FunctionName, err)
	}
	if output == "" {
		d.observeTool(u.FunctionName, "empty", time.Since(started))
		return nil
	}
	d.observeTool(u.FunctionName, "ok", time.Since(started))
	d.save(ctx, transcript.RoleTool, fmt.Sprintf("%s(%s)\n%s", u.FunctionName, args, output))

	if err := d.session.AddItem(ctx, realtime.NewFunctionCallOutput(u.FunctionCallID, output)); err != nil {
		return fmt.Errorf("submit tool output: %w", err)
	}
	return nil
}

func (d *Dispatcher) startTurn() {
	d.turnStart = time.Now()
	d.heardAudio = false
}

func (d *Dispatcher) saveAssistantTurn(ctx context.Context) {
	text := d.turnText.String()
	d.turnText.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	d.save(ctx, transcript.RoleAssistant, text)
}

func (d *Dispatcher) save(ctx context.Context, role, content string) {
	if d.store == nil {
		return
	}
	if err := d.store.Save(ctx, transcript.NewRecord(d.convID, role, content)); err != nil {
		d.logger.Printf("transcript save failed: %v", err)
	}
}

func (d *Dispatcher) observeTurn(outcome string) {
	if d.metrics != nil {
		d.metrics.Turns.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) observeTool(name, outcome string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.ObserveToolCall(name, outcome, elapsed)
	}
}
