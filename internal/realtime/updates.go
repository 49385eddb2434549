package realtime

import "fmt"

// UpdateKind tags the active variant of an Update.
type UpdateKind string

const (
	KindFunctionCallArgumentsDelta UpdateKind = "function_call_arguments_delta"
	KindAudioDelta                 UpdateKind = "audio_delta"
	KindOutputTranscriptDelta      UpdateKind = "output_transcript_delta"
	KindItemFinished               UpdateKind = "item_finished"
	KindResponseFinished           UpdateKind = "response_finished"
	KindError                      UpdateKind = "error"
)

// Update is one event received from a realtime session. Exactly one of the
// concrete types below is carried per update.
type Update interface {
	Kind() UpdateKind
}

// FunctionCallArgumentsDelta carries a streamed fragment of a function call's
// JSON arguments.
type FunctionCallArgumentsDelta struct {
	CallID string
	Delta  string
}

// AudioDelta carries decoded PCM16 output audio.
type AudioDelta struct {
	Bytes []byte
}

// OutputTranscriptDelta carries a fragment of the assistant's spoken transcript.
type OutputTranscriptDelta struct {
	Delta string
}

// ItemFinished reports that an output item finished streaming. FunctionCallID
// and FunctionName are empty unless the item is a function call.
type ItemFinished struct {
	ItemID         string
	FunctionCallID string
	FunctionName   string
}

// CreatedItem is one item produced during a response turn.
type CreatedItem struct {
	ID             string
	Type           string
	FunctionCallID string
}

// ResponseFinished reports the end of a model response turn.
type ResponseFinished struct {
	ResponseID   string
	Status       string
	CreatedItems []CreatedItem
}

// HasFunctionCall reports whether any created item was a function call.
func (r ResponseFinished) HasFunctionCall() bool {
	for _, item := range r.CreatedItems {
		if item.FunctionCallID != "" {
			return true
		}
	}
	return false
}

// ErrorUpdate is an error event emitted by the session.
type ErrorUpdate struct {
	EventID   string
	Type      string
	Code      string
	Message   string
	Param     string
	Retryable bool
}

func (e ErrorUpdate) String() string {
	s := fmt.Sprintf("type=%s", e.Type)
	if e.Code != "" {
		s += " code=" + e.Code
	}
	if e.Param != "" {
		s += " param=" + e.Param
	}
	if e.EventID != "" {
		s += " event_id=" + e.EventID
	}
	if e.Retryable {
		s += " retryable=true"
	}
	return s + " message=" + e.Message
}

func (FunctionCallArgumentsDelta) Kind() UpdateKind { return KindFunctionCallArgumentsDelta }
func (AudioDelta) Kind() UpdateKind                 { return KindAudioDelta }
func (OutputTranscriptDelta) Kind() UpdateKind      { return KindOutputTranscriptDelta }
func (ItemFinished) Kind() UpdateKind               { return KindItemFinished }
func (ResponseFinished) Kind() UpdateKind           { return KindResponseFinished }
func (ErrorUpdate) Kind() UpdateKind                { return KindError }

// Item is an outbound conversation item.
type Item struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// NewFunctionCallOutput builds the item that reports a tool result back to the model.
func NewFunctionCallOutput(callID, output string) Item {
	return Item{Type: "function_call_output", CallID: callID, Output: output}
}
