package middleware

import (
	"context"

	"licverify/internal/license"
)

// MachineValidator validates a license document against this machine.
// *license.Validator satisfies it; tests substitute fakes.
type MachineValidator interface {
	ValidateMachine(ctx context.Context, document []byte, expectedName *string) license.Outcome
}
