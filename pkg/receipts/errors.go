package receipts

import (
	"fmt"
	"strings"
)

// Layer identifies the validation class that produced an error. Classes
// are checked in order and the pipeline short-circuits on the first
// failing class, so a response never mixes layers.
type Layer string

const (
	LayerStructural Layer = "structural"
	LayerSentinel   Layer = "sentinel"
	LayerPhase      Layer = "phase"
	LayerRouting    Layer = "routing"
	LayerRetry      Layer = "retry"
)

// Stable error codes. Transport layers and clients key on these; do not
// renumber.
const (
	CodeStructural    = "RCP-STRUCT-001"
	CodeEnum          = "RCP-STRUCT-002"
	CodeSizeLimit     = "RCP-SIZE-001"
	CodeSentinel      = "RCP-SENT-001"
	CodePhaseAccepted = "RCP-PHASE-accepted"
	CodePhaseComplete = "RCP-PHASE-complete"
	CodePhaseEscalate = "RCP-PHASE-escalate"
	CodeRouting       = "RCP-ROUTE-001"
	CodeRetry         = "RCP-RETRY-001"
)

// Error is a single structured validation fault.
type Error struct {
	Code    string `json:"code"`
	Layer   Layer  `json:"layer"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e Error) String() string {
	return fmt.Sprintf("%s %s: %s", e.Code, e.Path, e.Message)
}

// ValidationError carries the ordered fault list for a rejected receipt.
type ValidationError struct {
	Errors []Error
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, e.String())
	}
	return "receipt validation failed: " + strings.Join(parts, "; ")
}

// SizeLimited reports whether any fault is a size-cap violation, which
// translates to a 413 at the transport edge.
func (v *ValidationError) SizeLimited() bool {
	for _, e := range v.Errors {
		if e.Code == CodeSizeLimit {
			return true
		}
	}
	return false
}

// HasCode reports whether any fault carries the given code.
func (v *ValidationError) HasCode(code string) bool {
	for _, e := range v.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
