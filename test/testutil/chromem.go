package testutil

import (
	"testing"

	chromem "github.com/philippgille/chromem-go"
)

// CreateTempChromemGoClient creates a new, in-memory chromem-go instance
// suitable for isolated testing. The cleanup function is a no-op; the
// instance is garbage collected after the test.
func CreateTempChromemGoClient(t *testing.T) (*chromem.DB, func()) {
	t.Helper()
	return chromem.NewDB(), func() {}
}
