package taxchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/xeipuuv/gojsonschema"
)

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages Conversation `json:"messages" jsonschema:"minItems=1,description=the whole conversation in chronological order; the last turn is the one to answer"`
}

func (Role) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []any{string(RoleUser), string(RoleAssistant), string(RoleSystem)},
	}
}

// JSONSchema leaves the type open: anything that is not a string or a block
// array is read as text.
func (Content) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "plain text, or an array of content blocks ({type: text|image|document})",
	}
}

func GenerateSchema[T any]() (map[string]any, error) {
	var v T
	r := jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	bs, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal schema: %w (schema=%q)", err, string(bs))
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

var ErrMalformedRequest = errors.New("malformed request body")

type ValidationError struct {
	Result *gojsonschema.Result
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Result.Errors()))
	for _, re := range e.Result.Errors() {
		msgs = append(msgs, re.String())
	}
	return fmt.Sprintf("request validation error: %s", strings.Join(msgs, "; "))
}

// RequestValidator checks request bodies against a schema compiled once.
type RequestValidator struct {
	schema *gojsonschema.Schema
	raw    map[string]any
}

func NewRequestValidator(schema map[string]any) (*RequestValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &RequestValidator{schema: compiled, raw: schema}, nil
}

func NewChatRequestValidator() (*RequestValidator, error) {
	schema, err := GenerateSchema[ChatRequest]()
	if err != nil {
		return nil, err
	}
	return NewRequestValidator(schema)
}

func (v *RequestValidator) Schema() map[string]any {
	return v.raw
}

func (v *RequestValidator) Validate(body []byte) error {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if !result.Valid() {
		return &ValidationError{Result: result}
	}
	return nil
}

// DecodeChatRequest validates body and decodes it.
func (v *RequestValidator) DecodeChatRequest(body []byte) (*ChatRequest, error) {
	if err := v.Validate(body); err != nil {
		return nil, err
	}
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if len(req.Messages) == 0 {
		return nil, ErrEmptyConversation
	}
	return &req, nil
}
