package bridge

import (
	"errors"

	"github.com/casys-ai/pml/internal/pmlerr"
)

// DefaultApprovalResolver recognizes a *pmlerr.ApprovalError wherever it
// appears in an error chain, the shape every gate in internal/loader
// raises when a client-routed call must pause for a human decision.
type DefaultApprovalResolver struct{}

// Resolve implements ApprovalResolver.
func (DefaultApprovalResolver) Resolve(err error) (*pmlerr.ApprovalError, bool) {
	var approval *pmlerr.ApprovalError
	if errors.As(err, &approval) {
		return approval, true
	}
	return nil, false
}
