// Package receipts validates candidate receipts against the protocol's
// invariants before they reach the ledger. Validation is layered:
// structural shape first, then forbidden sentinels, then the per-phase
// rules, then the escalation routing invariant, then retry coherence.
// The pipeline short-circuits on the first failing layer and returns
// every fault found within that layer.
package receipts

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tallyhq/tally/pkg/contracts"
)

// SizeLimits caps the oversized fields, in bytes. Structured fields are
// measured by their JSON encoding.
type SizeLimits struct {
	Inputs      int
	Metadata    int
	TaskBody    int
	OutcomeText int
}

// DefaultSizeLimits returns the protocol caps.
func DefaultSizeLimits() SizeLimits {
	return SizeLimits{
		Inputs:      64 * 1024,
		Metadata:    16 * 1024,
		TaskBody:    100 * 1024,
		OutcomeText: 100 * 1024,
	}
}

// Validator checks receipts. The zero value is not usable; construct
// with New.
type Validator struct {
	limits SizeLimits
}

// Option configures a Validator.
type Option func(*Validator)

// WithSizeLimits overrides the default field caps.
func WithSizeLimits(l SizeLimits) Option {
	return func(v *Validator) { v.limits = l }
}

// New returns a Validator with protocol defaults.
func New(opts ...Option) *Validator {
	v := &Validator{limits: DefaultSizeLimits()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// identityFields are the routing and accountability fields that must
// never carry a sentinel value.
var identityFields = []struct {
	path string
	get  func(*contracts.Receipt) string
}{
	{"from_principal", func(r *contracts.Receipt) string { return r.FromPrincipal }},
	{"for_principal", func(r *contracts.Receipt) string { return r.ForPrincipal }},
	{"source_system", func(r *contracts.Receipt) string { return r.SourceSystem }},
	{"recipient_ai", func(r *contracts.Receipt) string { return r.RecipientAI }},
	{"trust_domain", func(r *contracts.Receipt) string { return r.TrustDomain }},
}

// Validate returns nil for a storable receipt, or a *ValidationError
// enumerating the violated invariants.
func (v *Validator) Validate(r *contracts.Receipt) error {
	if errs := v.structural(r); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	if errs := v.sentinels(r); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	if errs := v.phaseRules(r); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	if errs := v.routing(r); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	if errs := v.retry(r); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func (v *Validator) structural(r *contracts.Receipt) []Error {
	var errs []Error

	raw, err := json.Marshal(r)
	if err != nil {
		return []Error{{
			Code:    CodeStructural,
			Layer:   LayerStructural,
			Path:    "$",
			Message: fmt.Sprintf("receipt is not encodable: %v", err),
		}}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return []Error{{
			Code:    CodeStructural,
			Layer:   LayerStructural,
			Path:    "$",
			Message: fmt.Sprintf("receipt is not decodable: %v", err),
		}}
	}
	if err := compiledSchema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			errs = append(errs, schemaErrors(ve)...)
		} else {
			errs = append(errs, Error{
				Code:    CodeStructural,
				Layer:   LayerStructural,
				Path:    "$",
				Message: err.Error(),
			})
		}
	}

	errs = append(errs, v.sizeCaps(r)...)
	return errs
}

func (v *Validator) sizeCaps(r *contracts.Receipt) []Error {
	var errs []Error
	check := func(path string, size, limit int) {
		if limit > 0 && size > limit {
			errs = append(errs, Error{
				Code:    CodeSizeLimit,
				Layer:   LayerStructural,
				Path:    path,
				Message: fmt.Sprintf("%s exceeds size limit of %d bytes (got %d)", path, limit, size),
				Hint:    "move bulk payloads to the artifact store and reference them by pointer",
			})
		}
	}
	check("task_body", len(r.TaskBody), v.limits.TaskBody)
	check("outcome_text", len(r.OutcomeText), v.limits.OutcomeText)
	check("inputs", jsonSize(r.Inputs), v.limits.Inputs)
	check("metadata", jsonSize(r.Metadata), v.limits.Metadata)
	return errs
}

func jsonSize(m map[string]any) int {
	if len(m) == 0 {
		return 2 // {}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(b)
}

func (v *Validator) sentinels(r *contracts.Receipt) []Error {
	var errs []Error
	for _, f := range identityFields {
		val := f.get(r)
		if val == contracts.NA || val == contracts.TBD {
			errs = append(errs, Error{
				Code:    CodeSentinel,
				Layer:   LayerSentinel,
				Path:    f.path,
				Message: fmt.Sprintf("%s must not be %q", f.path, val),
				Hint:    "identity and routing fields require concrete principals",
			})
		}
	}
	return errs
}

func (v *Validator) phaseRules(r *contracts.Receipt) []Error {
	switch r.Phase {
	case contracts.PhaseAccepted:
		return v.acceptedRules(r)
	case contracts.PhaseComplete:
		return v.completeRules(r)
	case contracts.PhaseEscalate:
		return v.escalateRules(r)
	}
	// Unknown phases are caught by the structural layer.
	return nil
}

func (v *Validator) acceptedRules(r *contracts.Receipt) []Error {
	var errs []Error
	fail := func(path, msg string) {
		errs = append(errs, Error{
			Code: CodePhaseAccepted, Layer: LayerPhase, Path: path, Message: msg,
		})
	}
	if r.Status != contracts.StatusNA {
		fail("status", "status must be NA for accepted phase")
	}
	if r.CompletedAt != nil {
		fail("completed_at", "completed_at must be null for accepted phase")
	}
	if r.TaskSummary == contracts.TBD {
		fail("task_summary", "task_summary must not be TBD for accepted phase")
	}
	if r.OutcomeKind != contracts.OutcomeNA {
		fail("outcome_kind", "outcome_kind must be NA for accepted phase")
	}
	if r.ArtifactPointer != contracts.NA {
		fail("artifact_pointer", "artifact_pointer must be NA for accepted phase")
	}
	if r.ArtifactLocation != contracts.NA {
		fail("artifact_location", "artifact_location must be NA for accepted phase")
	}
	if r.ArtifactMime != contracts.NA {
		fail("artifact_mime", "artifact_mime must be NA for accepted phase")
	}
	if r.EscalationClass != contracts.EscalationNA {
		fail("escalation_class", "escalation_class must be NA for accepted phase")
	}
	if r.EscalationTo != contracts.NA {
		fail("escalation_to", "escalation_to must be NA for accepted phase")
	}
	if r.RetryRequested {
		fail("retry_requested", "retry_requested must be false for accepted phase")
	}
	return errs
}

func (v *Validator) completeRules(r *contracts.Receipt) []Error {
	var errs []Error
	fail := func(path, msg string) {
		errs = append(errs, Error{
			Code: CodePhaseComplete, Layer: LayerPhase, Path: path, Message: msg,
		})
	}
	if !r.Status.Terminal() {
		fail("status", "status must be success, failure, or canceled for complete phase")
	}
	if r.CompletedAt == nil || r.CompletedAt.IsZero() {
		fail("completed_at", "completed_at is required for complete phase")
	}
	if r.OutcomeKind == contracts.OutcomeNA {
		fail("outcome_kind", "outcome_kind must be set for complete phase")
	}
	if r.EscalationClass != contracts.EscalationNA {
		fail("escalation_class", "escalation_class must be NA for complete phase")
	}
	if r.OutcomeKind.RequiresArtifact() {
		if r.ArtifactPointer == contracts.NA {
			fail("artifact_pointer", "artifact_pointer required when outcome_kind is artifact_pointer or mixed")
		}
		if r.ArtifactLocation == contracts.NA {
			fail("artifact_location", "artifact_location required when outcome_kind is artifact_pointer or mixed")
		}
		if r.ArtifactMime == contracts.NA {
			fail("artifact_mime", "artifact_mime required when outcome_kind is artifact_pointer or mixed")
		}
	}
	return errs
}

func (v *Validator) escalateRules(r *contracts.Receipt) []Error {
	var errs []Error
	fail := func(path, msg string) {
		errs = append(errs, Error{
			Code: CodePhaseEscalate, Layer: LayerPhase, Path: path, Message: msg,
		})
	}
	if r.Status != contracts.StatusNA {
		fail("status", "status must be NA for escalate phase")
	}
	if r.EscalationClass == contracts.EscalationNA {
		fail("escalation_class", "escalation_class must be set for escalate phase")
	}
	if r.EscalationReason == contracts.NA || r.EscalationReason == contracts.TBD {
		fail("escalation_reason", "escalation_reason must be provided for escalate phase")
	}
	if r.EscalationTo == contracts.NA {
		fail("escalation_to", "escalation_to is required for escalate phase")
	}
	return errs
}

// routing enforces the invariant that an escalation lands in the inbox of
// the principal it transfers responsibility to.
func (v *Validator) routing(r *contracts.Receipt) []Error {
	if r.Phase != contracts.PhaseEscalate {
		return nil
	}
	if r.RecipientAI != r.EscalationTo {
		return []Error{{
			Code:    CodeRouting,
			Layer:   LayerRouting,
			Path:    "recipient_ai",
			Message: "recipient_ai must equal escalation_to for escalate phase",
			Hint:    "set recipient_ai to the escalation target",
		}}
	}
	return nil
}

func (v *Validator) retry(r *contracts.Receipt) []Error {
	if r.RetryRequested && r.Attempt < 1 {
		return []Error{{
			Code:    CodeRetry,
			Layer:   LayerRetry,
			Path:    "attempt",
			Message: "attempt must be >= 1 when retry_requested is true",
		}}
	}
	return nil
}
