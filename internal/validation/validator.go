package validation

import (
	"github.com/davrud/nodeflow/pkg/schema"
)

// Validator is the full graph-definition validation pipeline: JSON Schema
// shape validation followed by structural analysis.
type Validator struct {
	schemas *JSONSchemaValidator
}

// New creates a Validator.
func New() (*Validator, error) {
	js, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: js}, nil
}

// Validate runs the pipeline and returns the aggregated result. Schema
// violations short-circuit: structural analysis over a malformed definition
// would only produce noise.
func (v *Validator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if err := v.schemas.ValidateDefinition(def); err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			result.AddError("$", fe.Code, fe.Message)
		} else {
			result.AddError("$", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	result.Merge(checkStructure(def))
	return result
}

// Schemas exposes the underlying JSON Schema validator for raw and config
// validation.
func (v *Validator) Schemas() *JSONSchemaValidator {
	return v.schemas
}
