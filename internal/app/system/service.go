// Package system manages component lifecycles: every long-running module
// implements Service so the manager can start and stop them
// deterministically.
package system

import (
	"context"
)

// Service represents a lifecycle-managed component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
