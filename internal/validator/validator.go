// Copyright 2025 James Ross

// Package validator implements the Oracle Validator (§4.6): schema
// evaluation of an execution's output, plus optional deep structural
// comparison against an oracle-supplied expected output.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/repository"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// Validator runs schema and structural validation against ExecutionRecords
// and persists the resulting ValidationResult.
type Validator struct {
	executions  repository.ExecutionRepository
	tasks       repository.TaskRepository
	validations repository.ValidationRepository
	log         *zap.Logger
}

// New returns a Validator backed by the given repositories.
func New(executions repository.ExecutionRepository, tasks repository.TaskRepository, validations repository.ValidationRepository, log *zap.Logger) *Validator {
	return &Validator{executions: executions, tasks: tasks, validations: validations, log: log}
}

// Validate implements the C6 algorithm: fetch the execution, schema-check
// its output, optionally deep-compare against expectedOutput, score the
// result, and persist it.
func (v *Validator) Validate(ctx context.Context, executionID string, expectedOutput map[string]interface{}) (*domain.ValidationResult, error) {
	ctx, span := obs.StartValidationSpan(ctx, executionID, string(domain.MethodSchema))
	defer span.End()

	execution, err := v.executions.GetExecution(ctx, executionID)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("validator: fetching execution %s: %w", executionID, err)
	}

	result := &domain.ValidationResult{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Method:      domain.MethodSchema,
	}

	if execution.Status != domain.ExecutionSuccess {
		result.IsValid = false
		result.Score = 0
		result.Errors = []domain.ValidationError{{
			Type:    "execution_failed",
			Message: fmt.Sprintf("execution ended with status %s", execution.Status),
		}}
		if err := v.persist(ctx, result); err != nil {
			return nil, err
		}
		obs.SetSpanSuccess(ctx)
		return result, nil
	}

	task, err := v.tasks.Get(ctx, execution.TaskID)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("validator: fetching task %s: %w", execution.TaskID, err)
	}

	schemaErrors := evaluateSchema(task.OutputSchema, execution.OutputData)
	result.Errors = append(result.Errors, schemaErrors...)

	if len(schemaErrors) == 0 && expectedOutput != nil {
		result.Method = domain.MethodSchemaComparison
		compareErrors := deepCompare("$", execution.OutputData, expectedOutput)
		result.Errors = append(result.Errors, compareErrors...)
	}

	result.IsValid = len(result.Errors) == 0
	result.Score = scoreFor(len(schemaErrors) > 0, len(result.Errors))

	if err := v.persist(ctx, result); err != nil {
		obs.RecordError(ctx, err)
		return nil, err
	}
	obs.SetSpanSuccess(ctx)
	return result, nil
}

func (v *Validator) persist(ctx context.Context, result *domain.ValidationResult) error {
	if err := v.validations.CreateValidation(ctx, result); err != nil {
		return fmt.Errorf("validator: persisting result: %w", err)
	}
	obs.ValidationsTotal.WithLabelValues(boolLabel(result.IsValid), string(result.Method)).Inc()
	if v.log != nil {
		v.log.Info("validation complete",
			obs.String("execution_id", result.ExecutionID),
			obs.Bool("is_valid", result.IsValid),
			obs.Float64("score", result.Score),
			obs.Int("error_count", len(result.Errors)),
		)
	}
	return nil
}

// scoreFor implements §4.6 step 4: 1.0 on full success, 0.0 on schema
// failure, otherwise max(0.1, 1 − 0.1·|errors|).
func scoreFor(schemaFailed bool, errCount int) float64 {
	if errCount == 0 {
		return 1.0
	}
	if schemaFailed {
		return 0.0
	}
	return math.Max(0.1, 1-0.1*float64(errCount))
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// evaluateSchema applies JSON-Schema evaluation to output and returns one
// ValidationError per schema violation.
func evaluateSchema(schema map[string]interface{}, output map[string]interface{}) []domain.ValidationError {
	if schema == nil {
		return nil
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return []domain.ValidationError{{Type: "schema", Message: fmt.Sprintf("marshaling schema: %v", err)}}
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return []domain.ValidationError{{Type: "schema", Message: fmt.Sprintf("marshaling output: %v", err)}}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(outputJSON))
	if err != nil {
		return []domain.ValidationError{{Type: "schema", Message: fmt.Sprintf("schema evaluation error: %v", err)}}
	}
	if result.Valid() {
		return nil
	}

	var out []domain.ValidationError
	for _, e := range result.Errors() {
		out = append(out, domain.ValidationError{
			Type:    "schema",
			Path:    e.Field(),
			Message: e.Description(),
		})
	}
	return out
}

// deepCompare implements §4.6 step 3: same-kind, recursive object/array
// comparison, raw equality on primitives.
func deepCompare(path string, actual, expected interface{}) []domain.ValidationError {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return []domain.ValidationError{{Type: "type_mismatch", Path: path, Expected: expected, Actual: actual}}
		}
		var out []domain.ValidationError
		for k, expV := range exp {
			actV, present := act[k]
			if !present {
				out = append(out, domain.ValidationError{Type: "missing_property", Path: path + "." + k, Expected: expV})
				continue
			}
			out = append(out, deepCompare(path+"."+k, actV, expV)...)
		}
		return out
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return []domain.ValidationError{{Type: "type_mismatch", Path: path, Expected: expected, Actual: actual}}
		}
		if len(act) != len(exp) {
			return []domain.ValidationError{{Type: "length_mismatch", Path: path, Expected: len(exp), Actual: len(act)}}
		}
		var out []domain.ValidationError
		for i := range exp {
			out = append(out, deepCompare(fmt.Sprintf("%s[%d]", path, i), act[i], exp[i])...)
		}
		return out
	default:
		if !sameKind(actual, expected) {
			return []domain.ValidationError{{Type: "type_mismatch", Path: path, Expected: expected, Actual: actual}}
		}
		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected) {
			return []domain.ValidationError{{Type: "value_mismatch", Path: path, Expected: expected, Actual: actual}}
		}
		return nil
	}
}

func sameKind(a, b interface{}) bool {
	switch b.(type) {
	case float64, int:
		switch a.(type) {
		case float64, int:
			return true
		}
		return false
	case string:
		_, ok := a.(string)
		return ok
	case bool:
		_, ok := a.(bool)
		return ok
	case nil:
		return a == nil
	}
	return fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}
