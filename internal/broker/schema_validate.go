package broker

import (
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/hamba/avro/v2"

	"github.com/b87dev/pubsub-broker/internal/models"
)

// JSONValidator implements publish.SchemaValidator against JSON Schema
// definitions using the jsonschema-go compiler/validator, the same
// library the retrieved atlas tool-calling server uses to validate
// structured arguments.
type JSONValidator struct{}

// ValidateJSON parses definition as a JSON Schema and checks data
// against it. The schema is re-parsed and resolved on every call
// rather than cached, since schema definitions are small and
// validation only runs at publish-batch-flush time, not per byte.
func (JSONValidator) ValidateJSON(definition string, data []byte) error {
	schema := new(jsonschema.Schema)
	if err := json.Unmarshal([]byte(definition), schema); err != nil {
		return models.Wrap(models.InvalidArgument, err, "stored JSON schema is not valid JSON Schema")
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return models.Wrap(models.InvalidArgument, err, "JSON schema could not be resolved")
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return models.Wrap(models.InvalidArgument, err, "message data is not valid JSON")
	}
	if err := resolved.Validate(instance); err != nil {
		return models.Wrap(models.InvalidArgument, err, "message does not satisfy JSON schema")
	}
	return nil
}

// ValidateSchemaDefinition syntax-checks definition against typ,
// without requiring a Broker instance, for the standalone
// validateSchema() operation (spec.md section 3). JSON definitions
// only need to parse as JSON; AVRO definitions are parsed with the
// avro package's schema compiler, which rejects malformed field types
// and unresolvable named references; PROTOCOL_BUFFER definitions are
// accepted opaquely, matching Schema's documented scope.
func ValidateSchemaDefinition(typ models.SchemaType, definition string) error {
	switch typ {
	case models.SchemaTypeJSON:
		var v any
		if err := json.Unmarshal([]byte(definition), &v); err != nil {
			return models.Wrap(models.InvalidArgument, err, "JSON schema definition is not valid JSON")
		}
		return nil
	case models.SchemaTypeAvro:
		if _, err := avro.Parse(definition); err != nil {
			return models.Wrap(models.InvalidArgument, err, "AVRO schema definition is invalid")
		}
		return nil
	case models.SchemaTypeProtocolBuffer:
		if definition == "" {
			return models.NewError(models.InvalidArgument, "PROTOCOL_BUFFER schema definition must not be empty")
		}
		return nil
	default:
		return models.NewError(models.InvalidArgument, "unknown schema type %q", typ)
	}
}
