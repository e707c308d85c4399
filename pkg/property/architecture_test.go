package property_test

import (
	"testing"

	"entitycore/testutil"
)

func TestPropertyLayerStaysPublic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "pkg/property is importable by applications")
}
