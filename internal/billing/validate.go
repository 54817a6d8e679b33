package billing

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"
)

var conversionSchema = gojsonschema.NewStringLoader(`{
  "type": "object",
  "required": ["conversion_id", "conversion_type", "ts"],
  "properties": {
    "conversion_id": {"type": "string", "minLength": 1},
    "conversion_type": {"type": "string", "minLength": 1},
    "ts": {"type": "string", "minLength": 1},
    "order_value_cents": {"type": "integer"},
    "currency": {"type": "string"},
    "conversion_metadata": {"type": "object"}
  }
}`)

// ValidateConversion checks a conversion payload before anything is sent.
func ValidateConversion(p ConversionPayload) error {
	result, err := gojsonschema.Validate(conversionSchema, gojsonschema.NewGoLoader(p))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if result.Valid() {
		return nil
	}
	seen := map[string]struct{}{}
	for _, e := range result.Errors() {
		field := e.Field()
		if field == "(root)" {
			if prop, ok := e.Details()["property"].(string); ok {
				field = prop
			}
		}
		seen[field] = struct{}{}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &InvalidPayloadError{Fields: fields}
}
