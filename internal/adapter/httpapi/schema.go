package httpapi

import (
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"tldr-bot/internal/domain"
)

// summaryRequestSchema describes the body of POST /v1/summaries.
var summaryRequestSchema = fmt.Sprintf(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["channel_id", "thread_ts"],
  "properties": {
    "correlation_id":    {"type": "string", "minLength": 1, "maxLength": 128, "pattern": "^[A-Za-z0-9._:-]+$"},
    "channel_id":        {"type": "string", "pattern": "^[CDG][A-Z0-9]+$"},
    "origin_channel_id": {"type": "string", "pattern": "^[CDG][A-Z0-9]+$"},
    "thread_ts":         {"type": "string", "pattern": "^[0-9]+\\.[0-9]+$"},
    "custom_prompt":     {"type": "string", "maxLength": 4000},
    "message_count":     {"type": "integer", "minimum": 1, "maximum": %d},
    "visible":           {"type": "boolean"}
  }
}`, domain.MaxMessageCount)

func compileSchema(raw string) (*jsonschema.Schema, error) {
	schema, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return schema, nil
}

// validateBody checks a decoded JSON body against schema.
func validateBody(schema *jsonschema.Schema, body any) error {
	result := schema.Validate(body)
	if !result.IsValid() {
		return fmt.Errorf("%w: %s", domain.ErrInvalidInput, result.Error())
	}
	return nil
}
