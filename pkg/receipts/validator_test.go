package receipts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallyhq/tally/pkg/contracts"
)

func acceptedReceipt() *contracts.Receipt {
	sub := &contracts.ReceiptSubmission{
		TaskID:        "T-01HZX4QK5P8N2M7V9W3B6C1D4E",
		FromPrincipal: "user:alice",
		ForPrincipal:  "user:alice",
		SourceSystem:  "cli",
		RecipientAI:   "agent:researcher",
		Phase:         contracts.PhaseAccepted,
		TaskType:      "research",
		TaskSummary:   "summarize quarterly filings",
	}
	r := sub.Receipt()
	r.TenantID = "tenant-a"
	r.ReceiptID = contracts.NewReceiptID()
	return r
}

func completeReceipt() *contracts.Receipt {
	r := acceptedReceipt()
	now := time.Now().UTC()
	r.Phase = contracts.PhaseComplete
	r.Status = contracts.StatusSuccess
	r.OutcomeKind = contracts.OutcomeText
	r.OutcomeText = "done: three filings summarized"
	r.CompletedAt = &now
	return r
}

func escalateReceipt() *contracts.Receipt {
	r := acceptedReceipt()
	r.Phase = contracts.PhaseEscalate
	r.EscalationClass = contracts.EscalationCapability
	r.EscalationReason = "capability: no filesystem access"
	r.EscalationTo = "agent:operator"
	r.RecipientAI = "agent:operator"
	return r
}

func requireCode(t *testing.T, err error, code string) *ValidationError {
	t.Helper()
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, ve.HasCode(code), "want code %s, got %v", code, ve.Errors)
	return ve
}

func TestValidateAcceptedGoldenPath(t *testing.T) {
	v := New()
	require.NoError(t, v.Validate(acceptedReceipt()))
}

func TestValidateCompleteGoldenPath(t *testing.T) {
	v := New()
	require.NoError(t, v.Validate(completeReceipt()))
}

func TestValidateEscalateGoldenPath(t *testing.T) {
	v := New()
	require.NoError(t, v.Validate(escalateReceipt()))
}

func TestValidateRejectsUnknownPhase(t *testing.T) {
	r := acceptedReceipt()
	r.Phase = contracts.Phase("pending")
	requireCode(t, New().Validate(r), CodeEnum)
}

func TestValidateRejectsMissingTaskID(t *testing.T) {
	r := acceptedReceipt()
	r.TaskID = ""
	ve := requireCode(t, New().Validate(r), CodeStructural)
	for _, e := range ve.Errors {
		assert.Equal(t, LayerStructural, e.Layer)
	}
}

func TestValidateRejectsSentinelPrincipals(t *testing.T) {
	cases := map[string]func(*contracts.Receipt){
		"from_principal NA": func(r *contracts.Receipt) { r.FromPrincipal = contracts.NA },
		"for_principal TBD": func(r *contracts.Receipt) { r.ForPrincipal = contracts.TBD },
		"source_system NA":  func(r *contracts.Receipt) { r.SourceSystem = contracts.NA },
		"recipient_ai TBD":  func(r *contracts.Receipt) { r.RecipientAI = contracts.TBD },
		"trust_domain NA":   func(r *contracts.Receipt) { r.TrustDomain = contracts.NA },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := acceptedReceipt()
			mutate(r)
			requireCode(t, New().Validate(r), CodeSentinel)
		})
	}
}

func TestValidateAcceptedRejectsTBDSummary(t *testing.T) {
	r := acceptedReceipt()
	r.TaskSummary = contracts.TBD
	requireCode(t, New().Validate(r), CodePhaseAccepted)
}

func TestValidateAcceptedRejectsTerminalStatus(t *testing.T) {
	r := acceptedReceipt()
	r.Status = contracts.StatusSuccess
	requireCode(t, New().Validate(r), CodePhaseAccepted)
}

func TestValidateAcceptedRejectsOutcomeFields(t *testing.T) {
	r := acceptedReceipt()
	r.OutcomeKind = contracts.OutcomeText
	r.ArtifactPointer = "art://x/y"
	ve := requireCode(t, New().Validate(r), CodePhaseAccepted)
	assert.GreaterOrEqual(t, len(ve.Errors), 2)
}

func TestValidateCompleteRequiresTerminalStatus(t *testing.T) {
	r := completeReceipt()
	r.Status = contracts.StatusNA
	requireCode(t, New().Validate(r), CodePhaseComplete)
}

func TestValidateCompleteRequiresCompletedAt(t *testing.T) {
	r := completeReceipt()
	r.CompletedAt = nil
	requireCode(t, New().Validate(r), CodePhaseComplete)
}

func TestValidateCompleteArtifactOutcomeRequiresPointer(t *testing.T) {
	r := completeReceipt()
	r.OutcomeKind = contracts.OutcomeArtifact
	// artifact fields still NA
	ve := requireCode(t, New().Validate(r), CodePhaseComplete)
	paths := map[string]bool{}
	for _, e := range ve.Errors {
		paths[e.Path] = true
	}
	assert.True(t, paths["artifact_pointer"])
	assert.True(t, paths["artifact_location"])
	assert.True(t, paths["artifact_mime"])
}

func TestValidateCompleteMixedOutcomeWithArtifactPasses(t *testing.T) {
	r := completeReceipt()
	r.OutcomeKind = contracts.OutcomeMixed
	r.ArtifactPointer = "art://tenant-a/reports/q3.pdf"
	r.ArtifactLocation = "s3://bucket/reports/q3.pdf"
	r.ArtifactMime = "application/pdf"
	require.NoError(t, New().Validate(r))
}

func TestValidateEscalateRequiresClassAndReason(t *testing.T) {
	r := escalateReceipt()
	r.EscalationClass = contracts.EscalationNA
	r.EscalationReason = contracts.NA
	ve := requireCode(t, New().Validate(r), CodePhaseEscalate)
	assert.Len(t, ve.Errors, 2)
}

func TestValidateEscalateRoutingInvariant(t *testing.T) {
	r := escalateReceipt()
	r.RecipientAI = "agent:someone-else"
	ve := requireCode(t, New().Validate(r), CodeRouting)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, LayerRouting, ve.Errors[0].Layer)
	assert.Equal(t, "recipient_ai", ve.Errors[0].Path)
}

func TestValidateRetryCoherence(t *testing.T) {
	r := escalateReceipt()
	r.RetryRequested = true
	r.Attempt = 0
	requireCode(t, New().Validate(r), CodeRetry)

	r.Attempt = 1
	require.NoError(t, New().Validate(r))
}

func TestValidateSizeCapTaskBody(t *testing.T) {
	r := acceptedReceipt()
	r.TaskBody = strings.Repeat("x", 100*1024+1)
	ve := requireCode(t, New().Validate(r), CodeSizeLimit)
	assert.True(t, ve.SizeLimited())
}

func TestValidateSizeCapInputs(t *testing.T) {
	r := acceptedReceipt()
	r.Inputs = map[string]any{"blob": strings.Repeat("y", 64*1024)}
	requireCode(t, New().Validate(r), CodeSizeLimit)
}

func TestValidateSizeCapOverride(t *testing.T) {
	v := New(WithSizeLimits(SizeLimits{TaskBody: 16}))
	r := acceptedReceipt()
	r.TaskBody = strings.Repeat("z", 17)
	requireCode(t, v.Validate(r), CodeSizeLimit)

	r.TaskBody = strings.Repeat("z", 16)
	require.NoError(t, v.Validate(r))
}

func TestValidateShortCircuitsStructuralBeforePhase(t *testing.T) {
	r := acceptedReceipt()
	r.Phase = contracts.Phase("bogus")
	r.TaskSummary = contracts.TBD // would also fail the phase layer
	ve := requireCode(t, New().Validate(r), CodeEnum)
	for _, e := range ve.Errors {
		assert.Equal(t, LayerStructural, e.Layer, "structural layer must short-circuit")
	}
}

func TestValidateSentinelBeforeRouting(t *testing.T) {
	r := escalateReceipt()
	r.RecipientAI = contracts.NA // sentinel violation and routing violation
	ve := requireCode(t, New().Validate(r), CodeSentinel)
	assert.False(t, ve.HasCode(CodeRouting))
}
