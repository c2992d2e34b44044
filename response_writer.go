package taxchat

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mashiike/taxchat/metadata"
)

type FinishReason uint32

const (
	FinishReasonEndTurn FinishReason = iota
	FinishReasonMaxTokens
	FinishReasonStopSequence
	FinishReasonGuardrailIntervened
	FinishReasonContentFiltered
)

var finishReasonNames = map[FinishReason]string{
	FinishReasonEndTurn:             "end_turn",
	FinishReasonMaxTokens:           "max_tokens",
	FinishReasonStopSequence:        "stop_sequence",
	FinishReasonGuardrailIntervened: "guardrail_intervened",
	FinishReasonContentFiltered:     "content_filtered",
}

func (r FinishReason) String() string {
	if name, ok := finishReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("FinishReason(%d)", uint32(r))
}

func (r FinishReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var ErrStreamClosed = errors.New("response stream already closed")

// ResponseWriter receives the assistant output of one request.
// Finish is the only terminal signal and succeeds at most once.
type ResponseWriter interface {
	Metadata() metadata.Metadata
	WriteDelta(text string) error
	Finish(reason FinishReason, msg string) error
}

type Response struct {
	Metadata      metadata.Metadata `json:"metadata,omitempty"`
	Message       Turn              `json:"message"`
	FinishReason  FinishReason      `json:"finish_reason"`
	FinishMessage string            `json:"finish_message,omitempty"`
}

func (r *Response) String() string {
	if r == nil {
		return "[no response]"
	}
	return r.Message.Content.JoinedText()
}

type BatchResponseWriter struct {
	metadata metadata.Metadata
	text     strings.Builder
	reason   FinishReason
	message  string
	finished bool
}

func NewBatchResponseWriter() *BatchResponseWriter {
	return &BatchResponseWriter{
		metadata: make(metadata.Metadata),
	}
}

func (w *BatchResponseWriter) Metadata() metadata.Metadata {
	return w.metadata
}

func (w *BatchResponseWriter) WriteDelta(text string) error {
	if w.finished {
		return ErrStreamClosed
	}
	w.text.WriteString(text)
	return nil
}

func (w *BatchResponseWriter) Finish(reason FinishReason, msg string) error {
	if w.finished {
		return ErrStreamClosed
	}
	w.finished = true
	w.reason = reason
	w.message = msg
	w.metadata.SetString(metadata.KeyFinishReason, reason.String())
	return nil
}

func (w *BatchResponseWriter) Finished() bool {
	return w.finished
}

func (w *BatchResponseWriter) Response() *Response {
	return &Response{
		Metadata:      w.metadata,
		Message:       AssistantTurn(w.text.String()),
		FinishReason:  w.reason,
		FinishMessage: w.message,
	}
}

type TextStreamingResponseWriter struct {
	w        io.Writer
	metadata metadata.Metadata
	finished bool
}

func NewTextStreamingResponseWriter(w io.Writer) *TextStreamingResponseWriter {
	return &TextStreamingResponseWriter{
		w:        w,
		metadata: make(metadata.Metadata),
	}
}

func (w *TextStreamingResponseWriter) Metadata() metadata.Metadata {
	return w.metadata
}

func (w *TextStreamingResponseWriter) WriteDelta(text string) error {
	if w.finished {
		return ErrStreamClosed
	}
	_, err := io.WriteString(w.w, text)
	return err
}

func (w *TextStreamingResponseWriter) Finish(reason FinishReason, msg string) error {
	if w.finished {
		return ErrStreamClosed
	}
	w.finished = true
	w.metadata.SetString(metadata.KeyFinishReason, reason.String())
	if msg != "" {
		w.metadata.SetString(metadata.KeyFinishMessage, msg)
	}
	return nil
}

func (w *TextStreamingResponseWriter) DumpMetadata() {
	fmt.Fprintln(w.w)
	fmt.Fprint(w.w, w.metadata)
}
