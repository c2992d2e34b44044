package bedrock

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/metadata"
	"github.com/stretchr/testify/require"
)

func TestBuildInput(t *testing.T) {
	req := &taxchat.ConverseRequest{
		ModelID: "anthropic.claude-3-haiku",
		ModelParams: map[string]any{
			"max_tokens":     float64(1024),
			"temperature":    0.2,
			"stop_sequences": []any{"</answer>"},
			"top_k":          float64(50),
		},
		NormalizedRequest: &taxchat.NormalizedRequest{
			System: "You are a tax assistant.",
			Messages: []taxchat.Turn{
				{Role: taxchat.RoleSystem, Content: taxchat.TextContent("Answer in English.")},
				taxchat.UserTurn("What is Section 80C?"),
				taxchat.AssistantTurn("It allows deductions up to 1.5 lakh."),
				{
					Role: taxchat.RoleUser,
					Content: taxchat.BlockContent(
						taxchat.TextBlock{Text: "Read my Form 16"},
						taxchat.DocumentBlock{Source: taxchat.Base64Source("application/pdf", []byte("%PDF-1.4"))},
					),
				},
			},
		},
	}
	input, err := buildInput(req)
	require.NoError(t, err)
	require.Equal(t, "anthropic.claude-3-haiku", aws.ToString(input.ModelId))
	require.Len(t, input.System, 2)
	require.Equal(t, "Answer in English.", input.System[1].(*types.SystemContentBlockMemberText).Value)
	require.Len(t, input.Messages, 3)
	require.Equal(t, types.ConversationRoleUser, input.Messages[0].Role)
	require.Equal(t, types.ConversationRoleAssistant, input.Messages[1].Role)

	last := input.Messages[2]
	require.Len(t, last.Content, 2)
	require.Equal(t, "Read my Form 16", last.Content[0].(*types.ContentBlockMemberText).Value)
	doc, ok := last.Content[1].(*types.ContentBlockMemberDocument)
	require.True(t, ok)
	require.Equal(t, types.DocumentFormatPdf, doc.Value.Format)
	require.Equal(t, "attachment-1", aws.ToString(doc.Value.Name))
	require.Equal(t, []byte("%PDF-1.4"), doc.Value.Source.(*types.DocumentSourceMemberBytes).Value)

	require.NotNil(t, input.InferenceConfig)
	require.EqualValues(t, 1024, aws.ToInt32(input.InferenceConfig.MaxTokens))
	require.InDelta(t, 0.2, aws.ToFloat32(input.InferenceConfig.Temperature), 0.0001)
	require.Equal(t, []string{"</answer>"}, input.InferenceConfig.StopSequences)
	require.NotNil(t, input.AdditionalModelRequestFields)
	require.Equal(t, float64(50), req.ModelParams["top_k"], "model params must not be mutated")
	require.Contains(t, req.ModelParams, "max_tokens")
}

func TestBuildInputImage(t *testing.T) {
	req := &taxchat.ConverseRequest{
		ModelID: "m",
		NormalizedRequest: &taxchat.NormalizedRequest{
			Messages: []taxchat.Turn{
				{
					Role: taxchat.RoleUser,
					Content: taxchat.BlockContent(
						taxchat.TextBlock{Text: ""},
						taxchat.ImageBlock{Source: taxchat.Base64Source("image/png", []byte{0x89, 'P', 'N', 'G'})},
					),
				},
			},
		},
	}
	input, err := buildInput(req)
	require.NoError(t, err)
	require.Empty(t, input.System)
	require.Nil(t, input.InferenceConfig)
	require.Len(t, input.Messages[0].Content, 1)
	img, ok := input.Messages[0].Content[0].(*types.ContentBlockMemberImage)
	require.True(t, ok)
	require.Equal(t, types.ImageFormatPng, img.Value.Format)
}

func TestBuildInputUnsupportedDocument(t *testing.T) {
	req := &taxchat.ConverseRequest{
		ModelID: "m",
		NormalizedRequest: &taxchat.NormalizedRequest{
			Messages: []taxchat.Turn{
				{
					Role: taxchat.RoleUser,
					Content: taxchat.BlockContent(
						taxchat.TextBlock{Text: "see attached"},
						taxchat.DocumentBlock{Source: taxchat.Base64Source("application/zip", []byte("PK"))},
						taxchat.DocumentBlock{Source: taxchat.Base64Source("text/x-log", []byte("line1"))},
					),
				},
			},
		},
	}
	input, err := buildInput(req)
	require.NoError(t, err)
	content := input.Messages[0].Content
	require.Len(t, content, 3)
	require.Equal(t, taxchat.UnsupportedAttachmentNote("application/zip"), content[1].(*types.ContentBlockMemberText).Value)
	require.Equal(t, "line1", content[2].(*types.ContentBlockMemberText).Value)
}

func TestConvertEvent(t *testing.T) {
	cases := []struct {
		name   string
		input  types.ConverseStreamOutput
		expect taxchat.StreamEvent
		ok     bool
	}{
		{
			name:   "message_start",
			input:  &types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
			expect: taxchat.StreamEvent{Kind: taxchat.EventMessageStart},
			ok:     true,
		},
		{
			name: "text_delta",
			input: &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
				ContentBlockIndex: aws.Int32(0),
				Delta:             &types.ContentBlockDeltaMemberText{Value: "Hello"},
			}},
			expect: taxchat.ContentDelta("Hello"),
			ok:     true,
		},
		{
			name:   "max_tokens",
			input:  &types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonMaxTokens}},
			expect: taxchat.MessageStop(taxchat.FinishReasonMaxTokens),
			ok:     true,
		},
		{
			name:   "end_turn",
			input:  &types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}},
			expect: taxchat.MessageStop(taxchat.FinishReasonEndTurn),
			ok:     true,
		},
		{
			name:  "content_block_stop",
			input: &types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)}},
			ok:    false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			actual, ok := convertEvent(c.input)
			require.Equal(t, c.ok, ok)
			if ok {
				require.Equal(t, c.expect, actual)
			}
		})
	}
}

func TestConvertEventMetadata(t *testing.T) {
	ev, ok := convertEvent(&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
		Usage: &types.TokenUsage{
			InputTokens:  aws.Int32(12),
			OutputTokens: aws.Int32(34),
			TotalTokens:  aws.Int32(46),
		},
		Metrics: &types.ConverseStreamMetrics{LatencyMs: aws.Int64(120)},
	}})
	require.True(t, ok)
	require.Equal(t, taxchat.EventMetadata, ev.Kind)
	in, ok := metadata.GetInputTokens(ev.Metadata)
	require.True(t, ok)
	require.EqualValues(t, 12, in)
	out, ok := metadata.GetOutputTokens(ev.Metadata)
	require.True(t, ok)
	require.EqualValues(t, 34, out)
	latency, ok := ev.Metadata.GetInt64(metadata.KeyLatencyMs)
	require.True(t, ok)
	require.EqualValues(t, 120, latency)
}

type fakeReader struct {
	ch     chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeReader(err error, events ...types.ConverseStreamOutput) *fakeReader {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeReader{ch: ch, err: err}
}

func (r *fakeReader) Events() <-chan types.ConverseStreamOutput { return r.ch }
func (r *fakeReader) Close() error                              { r.closed = true; return nil }
func (r *fakeReader) Err() error                                { return r.err }

func TestEvents(t *testing.T) {
	p := NewWithClient(nil)
	reader := newFakeReader(nil,
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{Delta: &types.ContentBlockDeltaMemberText{Value: "Section 80C "}}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{Delta: &types.ContentBlockDeltaMemberText{Value: "covers PPF."}}},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonEndTurn}},
	)
	w := taxchat.NewBatchResponseWriter()
	err := taxchat.Adapt(context.Background(), p.events(context.Background(), reader), w)
	require.NoError(t, err)
	require.True(t, reader.closed)
	require.Equal(t, "Section 80C covers PPF.", w.Response().String())
	require.Equal(t, taxchat.FinishReasonEndTurn, w.Response().FinishReason)
}

func TestEventsError(t *testing.T) {
	p := NewWithClient(nil)
	reader := newFakeReader(
		&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{Delta: &types.ContentBlockDeltaMemberText{Value: "partial"}}},
	)
	w := taxchat.NewBatchResponseWriter()
	err := taxchat.Adapt(context.Background(), p.events(context.Background(), reader), w)
	require.Error(t, err)
	require.False(t, w.Finished())
	var be *taxchat.BackendError
	require.True(t, errors.As(err, &be))
	require.Equal(t, "ThrottlingException", be.Code)
	require.True(t, be.Throttled())
}

type mockClient struct {
	err error
}

func (m *mockClient) ConverseStream(_ context.Context, _ *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, m.err
}

func TestConverseStreamError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "throttled",
			err:    &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"},
			status: 429,
		},
		{
			name:   "quota",
			err:    &smithy.GenericAPIError{Code: "ServiceQuotaExceededException", Message: "quota"},
			status: 429,
		},
		{
			name:   "validation",
			err:    &smithy.GenericAPIError{Code: "ValidationException", Message: "bad model"},
			status: 500,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := NewWithClient(&mockClient{err: c.err})
			_, err := p.ConverseStream(context.Background(), &taxchat.ConverseRequest{
				ModelID: "m",
				NormalizedRequest: &taxchat.NormalizedRequest{
					Messages: []taxchat.Turn{taxchat.UserTurn("hi")},
				},
			})
			require.Error(t, err)
			require.Equal(t, c.status, taxchat.HTTPStatus(err))
		})
	}
}
