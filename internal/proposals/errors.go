package proposals

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a missing proposal, template, approval or signature.
	ErrNotFound = errors.New("proposals: not found")
	// ErrConflict indicates a conditional update lost a race.
	ErrConflict = errors.New("proposals: concurrent modification")
	// ErrValidation marks field-level validation failures.
	ErrValidation = errors.New("proposals: validation failed")
	// ErrConfiguration marks malformed workflow configuration.
	ErrConfiguration = errors.New("proposals: invalid configuration")
	// ErrPolicy marks operations the workflow does not allow right now.
	ErrPolicy = errors.New("proposals: policy violation")
	// ErrInvalidTransition occurs when an event is illegal for the current status.
	ErrInvalidTransition = errors.New("proposals: invalid state transition")
)

// FieldError addresses a validation problem to an input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the accumulated list of field errors.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// Fields returns the distinct field names carrying errors.
func (v ValidationErrors) Fields() []string {
	seen := make(map[string]struct{}, len(v))
	var fields []string
	for _, fe := range v {
		if _, ok := seen[fe.Field]; ok {
			continue
		}
		seen[fe.Field] = struct{}{}
		fields = append(fields, fe.Field)
	}
	return fields
}

// ConfigurationError lists every problem found in an approval chain.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "invalid approval chain: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// Stage names the workflow stage a policy violation belongs to.
type Stage string

const (
	StageDraft     Stage = "draft"
	StageApproval  Stage = "approval"
	StageSignature Stage = "signature"
	StageAccepted  Stage = "accepted"
	StageRejected  Stage = "rejected"
)

// PolicyViolation is a stage-addressable refusal.
type PolicyViolation struct {
	Stage  Stage
	Reason string
	cause  error
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("cannot proceed at %s stage: %s", e.Stage, e.Reason)
}

// Is matches ErrPolicy and the wrapped cause.
func (e *PolicyViolation) Is(target error) bool {
	return target == ErrPolicy || (e.cause != nil && errors.Is(e.cause, target))
}

func policy(stage Stage, reason string) *PolicyViolation {
	return &PolicyViolation{Stage: stage, Reason: reason}
}
