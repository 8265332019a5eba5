package resolver

import (
	"testing"

	"loomcore/testutil"
)

// The capability contract must stay importable on its own, so nothing under
// internal/ may leak into this package.
func TestNoInternalImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"pkg/resolver is a public contract")
}

func TestNoInternalTransitiveDependency(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.InternalImportForbidden,
		"pkg/resolver is a public contract")
}
