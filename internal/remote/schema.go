package remote

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const taskStatusSchema = `{
  "type": "object",
  "required": ["status"],
  "properties": {
    "status": {"type": "string", "minLength": 1},
    "stage": {"type": ["string", "null"]},
    "progress": {"type": ["number", "null"]},
    "message": {"type": ["string", "null"]},
    "estimatedTimeRemaining": {"type": ["number", "null"]},
    "estimated_time_remaining": {"type": ["number", "null"]},
    "quality": {"type": ["number", "null"]},
    "iterations": {"type": ["integer", "null"]},
    "error": {"type": ["string", "object", "null"]}
  }
}`

const createdVersionSchema = `{
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "url": {"type": ["string", "null"]},
    "createdAt": {"type": ["string", "null"]}
  }
}`

var (
	taskStatusJSONSchema     = mustSchema(taskStatusSchema)
	createdVersionJSONSchema = mustSchema(createdVersionSchema)
)

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return s
}

// validate checks body against schema and returns ErrInvalidResponse with every
// violation listed.
func validate(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: %s", ErrInvalidResponse, strings.Join(problems, "; "))
}
