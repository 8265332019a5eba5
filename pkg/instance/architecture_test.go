package instance

import (
	"testing"

	"loomcore/testutil"
)

func TestNoInternalImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"pkg/instance is a public contract")
}

func TestNoInternalTransitiveDependency(t *testing.T) {
	testutil.AssertNoTransitiveDependency(t, ".", testutil.InternalImportForbidden,
		"pkg/instance is a public contract")
}
