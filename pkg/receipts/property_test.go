package receipts

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/tallyhq/tally/pkg/contracts"
)

// genPrincipal yields identifiers that are never sentinels.
func genPrincipal() gopter.Gen {
	return gen.RegexMatch(`^(user|agent|svc):[a-z]{1,12}$`)
}

func genTerminalStatus() gopter.Gen {
	return gen.OneConstOf(
		contracts.StatusSuccess,
		contracts.StatusFailure,
		contracts.StatusCanceled,
	)
}

func genEscalationClass() gopter.Gen {
	return gen.OneConstOf(
		contracts.EscalationOwner,
		contracts.EscalationCapability,
		contracts.EscalationTrust,
		contracts.EscalationPolicy,
		contracts.EscalationScope,
		contracts.EscalationOther,
	)
}

func TestReceiptValidationProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	v := New()

	properties.Property("accepted receipts with concrete principals validate", prop.ForAll(
		func(from, forP, src, recipient, summary string) bool {
			r := acceptedReceipt()
			r.FromPrincipal = from
			r.ForPrincipal = forP
			r.SourceSystem = src
			r.RecipientAI = recipient
			r.TaskSummary = summary
			return v.Validate(r) == nil
		},
		genPrincipal(), genPrincipal(), genPrincipal(), genPrincipal(),
		gen.RegexMatch(`^[a-z ]{1,40}$`).SuchThat(func(s string) bool {
			return s != contracts.TBD && s != ""
		}),
	))

	properties.Property("complete receipts validate for every terminal status", prop.ForAll(
		func(status contracts.Status, text string) bool {
			r := completeReceipt()
			r.Status = status
			r.OutcomeText = text
			return v.Validate(r) == nil
		},
		genTerminalStatus(),
		gen.RegexMatch(`^[a-z ]{1,60}$`),
	))

	properties.Property("escalate validates iff recipient equals escalation target", prop.ForAll(
		func(class contracts.EscalationClass, target, recipient string) bool {
			r := escalateReceipt()
			r.EscalationClass = class
			r.EscalationTo = target
			r.RecipientAI = recipient
			err := v.Validate(r)
			if target == recipient {
				return err == nil
			}
			ve, ok := err.(*ValidationError)
			return ok && ve.HasCode(CodeRouting)
		},
		genEscalationClass(), genPrincipal(), genPrincipal(),
	))

	properties.Property("retry_requested requires a positive attempt", prop.ForAll(
		func(attempt int) bool {
			r := escalateReceipt()
			r.RetryRequested = true
			r.Attempt = attempt
			err := v.Validate(r)
			if attempt >= 1 {
				return err == nil
			}
			ve, ok := err.(*ValidationError)
			return ok && ve.HasCode(CodeRetry)
		},
		gen.IntRange(0, 10),
	))

	properties.Property("validation never mutates the receipt", prop.ForAll(
		func(status contracts.Status) bool {
			r := completeReceipt()
			r.Status = status
			before := *r
			_ = v.Validate(r)
			return before.Status == r.Status &&
				before.Phase == r.Phase &&
				before.ReceiptID == r.ReceiptID &&
				equalTime(before.CompletedAt, r.CompletedAt)
		},
		genTerminalStatus(),
	))

	properties.TestingRun(t)
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
