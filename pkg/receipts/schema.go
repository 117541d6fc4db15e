package receipts

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// receiptSchema is the structural contract for a normalized receipt:
// required fields, primitive types, and the closed enumerations. Phase
// coupling rules and the routing invariant live in code, not here.
const receiptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "tally:receipt",
  "type": "object",
  "required": [
    "schema_version", "tenant_id", "receipt_id", "task_id",
    "parent_task_id", "caused_by_receipt_id",
    "from_principal", "for_principal", "source_system",
    "recipient_ai", "trust_domain",
    "phase", "status", "task_type", "task_summary", "inputs",
    "expected_outcome_kind", "outcome_kind",
    "escalation_class", "metadata"
  ],
  "properties": {
    "schema_version": {"type": "string", "minLength": 1},
    "tenant_id": {"type": "string", "minLength": 1},
    "receipt_id": {"type": "string", "minLength": 1},
    "task_id": {"type": "string", "minLength": 1},
    "parent_task_id": {"type": "string", "minLength": 1},
    "caused_by_receipt_id": {"type": "string", "minLength": 1},
    "dedupe_key": {"type": "string"},
    "attempt": {"type": "integer", "minimum": 0},
    "from_principal": {"type": "string", "minLength": 1},
    "for_principal": {"type": "string", "minLength": 1},
    "source_system": {"type": "string", "minLength": 1},
    "recipient_ai": {"type": "string", "minLength": 1},
    "trust_domain": {"type": "string", "minLength": 1},
    "phase": {"enum": ["accepted", "complete", "escalate"]},
    "status": {"enum": ["NA", "success", "failure", "canceled"]},
    "realtime": {"type": "boolean"},
    "task_type": {"type": "string", "minLength": 1},
    "task_summary": {"type": "string", "minLength": 1},
    "task_body": {"type": "string"},
    "inputs": {"type": "object"},
    "expected_outcome_kind": {
      "enum": ["NA", "none", "response_text", "artifact_pointer", "mixed"]
    },
    "expected_artifact_mime": {"type": "string"},
    "outcome_kind": {
      "enum": ["NA", "none", "response_text", "artifact_pointer", "mixed"]
    },
    "outcome_text": {"type": "string"},
    "artifact_location": {"type": "string"},
    "artifact_pointer": {"type": "string"},
    "artifact_checksum": {"type": "string"},
    "artifact_size_bytes": {"type": "integer", "minimum": 0},
    "artifact_mime": {"type": "string"},
    "escalation_class": {
      "enum": ["NA", "owner", "capability", "trust", "policy", "scope", "other"]
    },
    "escalation_reason": {"type": "string"},
    "escalation_to": {"type": "string"},
    "retry_requested": {"type": "boolean"},
    "metadata": {"type": "object"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("receipt.schema.json", receiptSchema)

// schemaErrors flattens a jsonschema validation failure into the stable
// taxonomy. Enum violations get their own code so clients can tell a
// typo'd phase from a missing field.
func schemaErrors(err *jsonschema.ValidationError) []Error {
	var out []Error
	for _, leaf := range flattenCauses(err) {
		code := CodeStructural
		if leaf.KeywordLocation != "" && hasSuffix(leaf.KeywordLocation, "/enum") {
			code = CodeEnum
		}
		out = append(out, Error{
			Code:    code,
			Layer:   LayerStructural,
			Path:    instancePath(leaf.InstanceLocation),
			Message: leaf.Message,
		})
	}
	return out
}

func flattenCauses(err *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(err.Causes) == 0 {
		return []*jsonschema.ValidationError{err}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range err.Causes {
		leaves = append(leaves, flattenCauses(c)...)
	}
	return leaves
}

func instancePath(loc string) string {
	if loc == "" || loc == "/" {
		return "$"
	}
	// "/inputs/foo" -> "inputs/foo"
	return loc[1:]
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
