package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/metadata"
)

const ProviderName = "bedrock"

func init() {
	err := taxchat.RegisterModelProvider(ProviderName, func(ctx context.Context, opts taxchat.ProviderOptions) (taxchat.ModelProvider, error) {
		return New(ctx, opts)
	})
	if err != nil {
		panic(fmt.Sprintf("failed to register model provider %s: %v", ProviderName, err))
	}
}

type BedrockAPIClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

type ModelProvider struct {
	client BedrockAPIClient
	logger *slog.Logger
}

// New builds a provider from the default AWS credential chain. Missing
// credentials surface on the first call, not here.
func New(ctx context.Context, opts taxchat.ProviderOptions) (*ModelProvider, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if opts.BaseURL != "" {
			o.BaseEndpoint = aws.String(opts.BaseURL)
		}
	})
	p := NewWithClient(client)
	if opts.Logger != nil {
		p.logger = opts.Logger
	}
	return p, nil
}

func NewWithClient(client BedrockAPIClient) *ModelProvider {
	return &ModelProvider{
		client: client,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (p *ModelProvider) ConverseStream(ctx context.Context, req *taxchat.ConverseRequest) (taxchat.EventStream, error) {
	input, err := buildInput(req)
	if err != nil {
		return nil, fmt.Errorf("build converse input: %w", err)
	}
	p.logger.DebugContext(ctx, "call converse stream", "model_id", req.ModelID, "messages", len(input.Messages))
	output, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}
	return p.events(ctx, output.GetStream()), nil
}

// eventReader is the subset of *bedrockruntime.ConverseStreamEventStream consumed here.
type eventReader interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

func (p *ModelProvider) events(ctx context.Context, stream eventReader) taxchat.EventStream {
	return func(yield func(taxchat.StreamEvent, error) bool) {
		defer stream.Close()
		for o := range stream.Events() {
			ev, ok := convertEvent(o)
			if !ok {
				p.logger.DebugContext(ctx, "skip event", "type", fmt.Sprintf("%T", o))
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(taxchat.StreamEvent{}, wrapError(err))
		}
	}
}

func buildInput(req *taxchat.ConverseRequest) (*bedrockruntime.ConverseStreamInput, error) {
	if req == nil || req.NormalizedRequest == nil {
		return nil, errors.New("request is nil")
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(req.ModelID),
	}
	if strings.TrimSpace(req.System) != "" {
		input.System = append(input.System, &types.SystemContentBlockMemberText{
			Value: req.System,
		})
	}
	documentCount := 0
	for _, turn := range req.Messages {
		var msg types.Message
		switch turn.Role {
		case taxchat.RoleUser:
			msg.Role = types.ConversationRoleUser
		case taxchat.RoleAssistant:
			msg.Role = types.ConversationRoleAssistant
		case taxchat.RoleSystem:
			if text := turn.Content.JoinedText(); strings.TrimSpace(text) != "" {
				input.System = append(input.System, &types.SystemContentBlockMemberText{
					Value: text,
				})
			}
			continue
		default:
			return nil, fmt.Errorf("%w: %q", taxchat.ErrInvalidMessageRole, turn.Role)
		}
		content, err := convertContent(turn.Content, &documentCount)
		if err != nil {
			return nil, err
		}
		msg.Content = content
		input.Messages = append(input.Messages, msg)
	}
	if err := applyModelParams(input, req.ModelParams); err != nil {
		return nil, err
	}
	return input, nil
}

func convertContent(c taxchat.Content, documentCount *int) ([]types.ContentBlock, error) {
	if !c.IsBlocks() {
		return []types.ContentBlock{
			&types.ContentBlockMemberText{Value: c.String()},
		}, nil
	}
	blocks := make([]types.ContentBlock, 0, len(c.Blocks()))
	for _, b := range c.Blocks() {
		switch b := b.(type) {
		case taxchat.TextBlock:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			blocks = append(blocks, &types.ContentBlockMemberText{Value: b.Text})
		case taxchat.ImageBlock:
			cb, err := convertImage(b.Source)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, cb)
		case taxchat.DocumentBlock:
			cb, err := convertDocument(b.Source, *documentCount)
			if err != nil {
				return nil, err
			}
			if _, ok := cb.(*types.ContentBlockMemberDocument); ok {
				*documentCount++
			}
			blocks = append(blocks, cb)
		default:
			return nil, fmt.Errorf("unsupported content block: %T", b)
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, &types.ContentBlockMemberText{Value: c.JoinedText()})
	}
	return blocks, nil
}

func parseMediaType(s string) string {
	mediaType, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mediaType
}

var imageFormats = map[string]types.ImageFormat{
	"image/jpeg": types.ImageFormatJpeg,
	"image/jpg":  types.ImageFormatJpeg,
	"image/png":  types.ImageFormatPng,
	"image/gif":  types.ImageFormatGif,
	"image/webp": types.ImageFormatWebp,
}

func convertImage(src taxchat.Source) (types.ContentBlock, error) {
	mediaType := parseMediaType(src.MediaType)
	format, ok := imageFormats[mediaType]
	if !ok {
		return &types.ContentBlockMemberText{Value: taxchat.UnsupportedAttachmentNote(mediaType)}, nil
	}
	data, err := src.Bytes()
	if err != nil {
		return nil, err
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

var documentFormats = map[string]types.DocumentFormat{
	"application/pdf":    types.DocumentFormatPdf,
	"text/csv":           types.DocumentFormatCsv,
	"text/html":          types.DocumentFormatHtml,
	"text/plain":         types.DocumentFormatTxt,
	"text/markdown":      types.DocumentFormatMd,
	"application/msword": types.DocumentFormatDoc,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": types.DocumentFormatDocx,
	"application/vnd.ms-excel": types.DocumentFormatXls,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": types.DocumentFormatXlsx,
}

func convertDocument(src taxchat.Source, index int) (types.ContentBlock, error) {
	mediaType := parseMediaType(src.MediaType)
	data, err := src.Bytes()
	if err != nil {
		return nil, err
	}
	format, ok := documentFormats[mediaType]
	switch {
	case ok:
		return &types.ContentBlockMemberDocument{
			Value: types.DocumentBlock{
				Format: format,
				Name:   aws.String(fmt.Sprintf("attachment-%d", index+1)),
				Source: &types.DocumentSourceMemberBytes{Value: data},
			},
		}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return &types.ContentBlockMemberText{Value: string(data)}, nil
	default:
		return &types.ContentBlockMemberText{Value: taxchat.UnsupportedAttachmentNote(mediaType)}, nil
	}
}

func applyModelParams(input *bedrockruntime.ConverseStreamInput, modelParams map[string]any) error {
	if len(modelParams) == 0 {
		return nil
	}
	params := make(map[string]any, len(modelParams))
	maps.Copy(params, modelParams)
	inference := func() *types.InferenceConfiguration {
		if input.InferenceConfig == nil {
			input.InferenceConfig = &types.InferenceConfiguration{}
		}
		return input.InferenceConfig
	}
	if v, ok := params["max_tokens"]; ok {
		inference().MaxTokens = aws.Int32(toNumber[int32](v))
		delete(params, "max_tokens")
	}
	if v, ok := params["temperature"]; ok {
		inference().Temperature = aws.Float32(toNumber[float32](v))
		delete(params, "temperature")
	}
	if v, ok := params["top_p"]; ok {
		inference().TopP = aws.Float32(toNumber[float32](v))
		delete(params, "top_p")
	}
	if v, ok := params["stop_sequences"]; ok {
		stops, err := toStrings(v)
		if err != nil {
			return fmt.Errorf("stop_sequences: %w", err)
		}
		inference().StopSequences = stops
		delete(params, "stop_sequences")
	}
	if len(params) > 0 {
		input.AdditionalModelRequestFields = document.NewLazyDocument(params)
	}
	return nil
}

func convertEvent(o types.ConverseStreamOutput) (taxchat.StreamEvent, bool) {
	switch v := o.(type) {
	case *types.ConverseStreamOutputMemberMessageStart:
		return taxchat.StreamEvent{Kind: taxchat.EventMessageStart}, true
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
			return taxchat.ContentDelta(d.Value), true
		}
		return taxchat.StreamEvent{}, false
	case *types.ConverseStreamOutputMemberMessageStop:
		return taxchat.MessageStop(convertStopReason(v.Value.StopReason)), true
	case *types.ConverseStreamOutputMemberMetadata:
		return taxchat.StreamEvent{
			Kind:     taxchat.EventMetadata,
			Metadata: convertMetadata(v.Value),
		}, true
	default:
		return taxchat.StreamEvent{}, false
	}
}

func convertStopReason(reason types.StopReason) taxchat.FinishReason {
	switch reason {
	case types.StopReasonMaxTokens:
		return taxchat.FinishReasonMaxTokens
	case types.StopReasonStopSequence:
		return taxchat.FinishReasonStopSequence
	case types.StopReasonGuardrailIntervened:
		return taxchat.FinishReasonGuardrailIntervened
	case types.StopReasonContentFiltered:
		return taxchat.FinishReasonContentFiltered
	default:
		return taxchat.FinishReasonEndTurn
	}
}

func convertMetadata(v types.ConverseStreamMetadataEvent) metadata.Metadata {
	m := make(metadata.Metadata)
	m.SetString(metadata.KeyProvider, ProviderName)
	if v.Metrics != nil && v.Metrics.LatencyMs != nil {
		m.SetInt64(metadata.KeyLatencyMs, *v.Metrics.LatencyMs)
	}
	if v.Usage != nil {
		metadata.SetUsage(m,
			int64(aws.ToInt32(v.Usage.InputTokens)),
			int64(aws.ToInt32(v.Usage.OutputTokens)),
			int64(aws.ToInt32(v.Usage.TotalTokens)),
		)
	}
	return m
}

var throttlingCodes = []string{
	"ThrottlingException",
	"ServiceQuotaExceededException",
	"TooManyRequestsException",
}

func wrapError(err error) error {
	be := &taxchat.BackendError{
		Provider: ProviderName,
		Err:      fmt.Errorf("converse stream: %w", err),
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		be.Code = ae.ErrorCode()
	}
	var se interface{ HTTPStatusCode() int }
	if errors.As(err, &se) {
		be.StatusCode = se.HTTPStatusCode()
	}
	for _, code := range throttlingCodes {
		if be.Code == code {
			be.StatusCode = http.StatusTooManyRequests
		}
	}
	return be
}
