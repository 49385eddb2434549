package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/realtime"
	"github.com/ent0n29/voicerag/internal/transcript"
)

type fakeSession struct {
	updates        chan realtime.Update
	err            error
	items          []realtime.Item
	startResponses int
	addErr         error
}

func newFakeSession(updates ...realtime.Update) *fakeSession {
	ch := make(chan realtime.Update, len(updates))
	for _, u := range updates {
		ch <- u
	}
	close(ch)
	return &fakeSession{updates: ch}
}

func (s *fakeSession) Updates() <-chan realtime.Update { return s.updates }
func (s *fakeSession) Err() error                      { return s.err }

func (s *fakeSession) AddItem(_ context.Context, item realtime.Item) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.items = append(s.items, item)
	return nil
}

func (s *fakeSession) StartResponse(context.Context) error {
	s.startResponses++
	return nil
}

type toolCall struct {
	name string
	args string
}

type fakeTools struct {
	output string
	err    error
	calls  []toolCall
}

func (f *fakeTools) Invoke(_ context.Context, name, arguments string) (string, error) {
	f.calls = append(f.calls, toolCall{name: name, args: arguments})
	return f.output, f.err
}

var errUnsupported = errors.New("unsupported tool")

func finalResponse() realtime.ResponseFinished {
	return realtime.ResponseFinished{CreatedItems: []realtime.CreatedItem{{ID: "msg_1", Type: "message"}}}
}

func toolResponse(callID string) realtime.ResponseFinished {
	return realtime.ResponseFinished{CreatedItems: []realtime.CreatedItem{{ID: "fc_1", Type: "function_call", FunctionCallID: callID}}}
}

func TestPendingCallsConcatenateInOrder(t *testing.T) {
	fragments := []string{`{"qu`, `ery":`, ` "miami `, `themed products"}`}
	p := PendingCalls{}
	for i, f := range fragments {
		p.Append("call_1", f)
		got, ok := p.Arguments("call_1")
		want := strings.Join(fragments[:i+1], "")
		if !ok || got != want {
			t.Fatalf("Arguments() after %d deltas = %q, want %q", i+1, got, want)
		}
	}
	p.Append("call_2", "x")

	if got := p.Take("call_1"); got != strings.Join(fragments, "") {
		t.Fatalf("Take() = %q, want full payload", got)
	}
	got, ok := p.Arguments("call_1")
	if !ok || got != "" {
		t.Fatalf("Arguments() after Take = %q, %v; want empty, true", got, ok)
	}
	if got, _ := p.Arguments("call_2"); got != "x" {
		t.Fatalf("Arguments(call_2) = %q, want x", got)
	}
	if got := p.Take("missing"); got != "" {
		t.Fatalf("Take(missing) = %q, want empty", got)
	}
}

func TestRunToolCallRoundTrip(t *testing.T) {
	session := newFakeSession(
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{"query":`},
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `"miami themed products"}`},
		realtime.ItemFinished{ItemID: "fc_1", FunctionCallID: "call_1", FunctionName: "search"},
		toolResponse("call_1"),
		realtime.OutputTranscriptDelta{Delta: "We have "},
		realtime.AudioDelta{Bytes: []byte{1, 2, 3}},
		realtime.OutputTranscriptDelta{Delta: "beach towels."},
		realtime.AudioDelta{Bytes: []byte{4}},
		finalResponse(),
	)
	tools := &fakeTools{output: "Product: Beach Towel, Description: Flamingo\nTotal results: 1\n"}
	var audio, text, logs bytes.Buffer
	d := New(session, tools, Options{
		Audio:      &audio,
		Transcript: &text,
		Logger:     log.New(&logs, "", 0),
	})

	res, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(tools.calls) != 1 || tools.calls[0].name != "search" || tools.calls[0].args != `{"query":"miami themed products"}` {
		t.Fatalf("tool calls = %+v", tools.calls)
	}
	if len(session.items) != 1 {
		t.Fatalf("submitted items = %d, want 1", len(session.items))
	}
	item := session.items[0]
	if item.Type != "function_call_output" || item.CallID != "call_1" || item.Output != tools.output {
		t.Fatalf("submitted item = %+v", item)
	}
	if session.startResponses != 1 {
		t.Fatalf("StartResponse calls = %d, want 1", session.startResponses)
	}
	if !bytes.Equal(audio.Bytes(), []byte{1, 2, 3, 4}) {
		t.Fatalf("audio = %v, want [1 2 3 4]", audio.Bytes())
	}
	if text.String() != "We have beach towels." {
		t.Fatalf("transcript = %q", text.String())
	}
	if res != (Result{Turns: 2, ToolCalls: 1, AudioBytes: 4}) {
		t.Fatalf("Run() result = %+v", res)
	}
	for _, want := range []string{
		` -> Invoking: search({"query":"miami themed products"})`,
		" -> Short circuit the client turn due to function invocation",
	} {
		if !strings.Contains(logs.String(), want) {
			t.Fatalf("logs = %q, missing %q", logs.String(), want)
		}
	}
	if got, _ := d.Pending().Arguments("call_1"); got != "" {
		t.Fatalf("buffer after ItemFinished = %q, want empty", got)
	}
}

func TestRunResponseFinishedTermination(t *testing.T) {
	tests := []struct {
		name       string
		response   realtime.ResponseFinished
		terminates bool
	}{
		{name: "no items", response: realtime.ResponseFinished{}, terminates: true},
		{name: "message only", response: finalResponse(), terminates: true},
		{name: "function call", response: toolResponse("call_1"), terminates: false},
		{
			name: "mixed",
			response: realtime.ResponseFinished{CreatedItems: []realtime.CreatedItem{
				{ID: "msg_1", Type: "message"},
				{ID: "fc_1", Type: "function_call", FunctionCallID: "call_1"},
			}},
			terminates: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			session := newFakeSession(tc.response)
			_, err := New(session, &fakeTools{}, Options{}).Run(context.Background())
			if tc.terminates {
				if err != nil {
					t.Fatalf("Run() error = %v, want nil", err)
				}
				if session.startResponses != 0 {
					t.Fatalf("StartResponse calls = %d, want 0", session.startResponses)
				}
				return
			}
			// loop keeps going until the stream ends
			if !errors.Is(err, ErrStreamClosed) {
				t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
			}
			if session.startResponses != 1 {
				t.Fatalf("StartResponse calls = %d, want 1", session.startResponses)
			}
		})
	}
}

func TestRunEmptyAudioDeltaWritesNothing(t *testing.T) {
	session := newFakeSession(
		realtime.AudioDelta{},
		realtime.AudioDelta{Bytes: []byte{}},
		finalResponse(),
	)
	var audio bytes.Buffer
	res, err := New(session, &fakeTools{}, Options{Audio: &audio}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if audio.Len() != 0 || res.AudioBytes != 0 {
		t.Fatalf("audio written = %d, AudioBytes = %d; want 0", audio.Len(), res.AudioBytes)
	}
}

func TestRunEmptyToolResultSubmitsNothing(t *testing.T) {
	session := newFakeSession(
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{}`},
		realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "noop"},
		finalResponse(),
	)
	tools := &fakeTools{output: ""}
	if _, err := New(session, tools, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tools.calls))
	}
	if len(session.items) != 0 {
		t.Fatalf("submitted items = %d, want 0", len(session.items))
	}
}

func TestRunItemFinishedWithoutArgumentsSkipsTool(t *testing.T) {
	session := newFakeSession(
		realtime.ItemFinished{ItemID: "msg_1"},
		realtime.ItemFinished{FunctionCallID: "never_streamed", FunctionName: "search"},
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{"query":"x"}`},
		realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "search"},
		// a second completion for the same call finds an empty buffer
		realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "search"},
		finalResponse(),
	)
	tools := &fakeTools{output: "Total results: 0\n"}
	if _, err := New(session, tools, Options{}).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tools.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tools.calls))
	}
	if len(session.items) != 1 || session.items[0].Output != "Total results: 0\n" {
		t.Fatalf("submitted items = %+v, want one zero-result output", session.items)
	}
}

func TestRunToolErrorPolicies(t *testing.T) {
	updates := func() []realtime.Update {
		return []realtime.Update{
			realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{"query":"x"}`},
			realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "weather"},
			finalResponse(),
		}
	}

	t.Run("fail", func(t *testing.T) {
		session := newFakeSession(updates()...)
		_, err := New(session, &fakeTools{err: errUnsupported}, Options{}).Run(context.Background())
		if !errors.Is(err, errUnsupported) {
			t.Fatalf("Run() error = %v, want wrapped unsupported tool", err)
		}
		if len(session.items) != 0 {
			t.Fatalf("submitted items = %d, want 0", len(session.items))
		}
	})

	t.Run("continue", func(t *testing.T) {
		session := newFakeSession(updates()...)
		var diag bytes.Buffer
		_, err := New(session, &fakeTools{err: errUnsupported}, Options{
			Diagnostics:     &diag,
			ToolErrorPolicy: PolicyContinue,
		}).Run(context.Background())
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
		if len(session.items) != 0 {
			t.Fatalf("submitted items = %d, want 0", len(session.items))
		}
		if !strings.Contains(diag.String(), "unsupported tool") {
			t.Fatalf("diagnostics = %q, want tool error", diag.String())
		}
	})
}

func TestRunErrorUpdateTerminates(t *testing.T) {
	session := newFakeSession(
		realtime.OutputTranscriptDelta{Delta: "partial"},
		realtime.ErrorUpdate{Type: "invalid_request_error", Message: "bad audio"},
		realtime.OutputTranscriptDelta{Delta: " never written"},
		finalResponse(),
	)
	var text, diag bytes.Buffer
	_, err := New(session, &fakeTools{}, Options{Transcript: &text, Diagnostics: &diag}).Run(context.Background())
	if !errors.Is(err, ErrSession) {
		t.Fatalf("Run() error = %v, want ErrSession", err)
	}
	var sessionErr *SessionError
	if !errors.As(err, &sessionErr) || sessionErr.Update.Message != "bad audio" {
		t.Fatalf("Run() error = %v, want SessionError carrying the update", err)
	}
	if !strings.HasPrefix(diag.String(), "Error! ") || !strings.Contains(diag.String(), "bad audio") {
		t.Fatalf("diagnostics = %q", diag.String())
	}
	if text.String() != "partial" {
		t.Fatalf("transcript = %q, want partial", text.String())
	}
}

func TestRunErrorUpdateReportsRetryable(t *testing.T) {
	session := newFakeSession(
		realtime.ErrorUpdate{Type: "server_error", Code: "server_error", Message: "boom", Retryable: true},
	)
	var diag bytes.Buffer
	_, err := New(session, &fakeTools{}, Options{Diagnostics: &diag}).Run(context.Background())
	if !errors.Is(err, ErrSession) {
		t.Fatalf("Run() error = %v, want ErrSession", err)
	}
	want := "Error! type=server_error code=server_error retryable=true message=boom\n"
	if diag.String() != want {
		t.Fatalf("diagnostics = %q, want %q", diag.String(), want)
	}
}

func TestRunStreamClosedWrapsTransportError(t *testing.T) {
	session := newFakeSession(realtime.OutputTranscriptDelta{Delta: "hi"})
	session.err = errors.New("connection reset")
	_, err := New(session, &fakeTools{}, Options{}).Run(context.Background())
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("Run() error = %v, want ErrStreamClosed", err)
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("Run() error = %v, want transport cause", err)
	}
}

func TestRunContextCancelled(t *testing.T) {
	session := &fakeSession{updates: make(chan realtime.Update)}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(session, &fakeTools{}, Options{}).Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRunSubmitFailureAborts(t *testing.T) {
	session := newFakeSession(
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{"query":"x"}`},
		realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "search"},
		finalResponse(),
	)
	session.addErr = errors.New("socket closed")
	_, err := New(session, &fakeTools{output: "Total results: 0\n"}, Options{}).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "submit tool output") {
		t.Fatalf("Run() error = %v, want submit failure", err)
	}
}

func TestRunRecordsTranscriptAndMetrics(t *testing.T) {
	session := newFakeSession(
		realtime.FunctionCallArgumentsDelta{CallID: "call_1", Delta: `{"query":"hats"}`},
		realtime.ItemFinished{FunctionCallID: "call_1", FunctionName: "search"},
		toolResponse("call_1"),
		realtime.OutputTranscriptDelta{Delta: "Mail sam@example.com for hats."},
		realtime.AudioDelta{Bytes: []byte{1, 2}},
		finalResponse(),
	)
	store := transcript.NewInMemoryStore()
	metrics := observability.NewMetrics(fmt.Sprintf("voicerag_test_dispatch_%d", time.Now().UnixNano()))
	_, err := New(session, &fakeTools{output: "Product: Sun Hat, Description: Wide\nTotal results: 1\n"}, Options{
		Store:          store,
		Metrics:        metrics,
		ConversationID: "conv-1",
	}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	records, err := store.Recent(context.Background(), "conv-1", 0)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Role != transcript.RoleTool || !strings.HasPrefix(records[0].Content, `search({"query":"hats"})`) {
		t.Fatalf("tool record = %+v", records[0])
	}
	if records[1].Role != transcript.RoleAssistant || !records[1].PIIRedacted || strings.Contains(records[1].Content, "sam@example.com") {
		t.Fatalf("assistant record = %+v", records[1])
	}

	if got := testutil.ToFloat64(metrics.Turns.WithLabelValues("tool")); got != 1 {
		t.Fatalf("turns{tool} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.Turns.WithLabelValues("final")); got != 1 {
		t.Fatalf("turns{final} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("search", "ok")); got != 1 {
		t.Fatalf("tool_calls{search,ok} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.AudioBytes); got != 2 {
		t.Fatalf("audio_bytes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Updates.WithLabelValues(string(realtime.KindItemFinished))); got != 1 {
		t.Fatalf("updates{item_finished} = %v, want 1", got)
	}
}
