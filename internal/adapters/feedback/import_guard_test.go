package feedback

import (
	"testing"

	"writingstudy/testutil"
)

// HTTP adapters talk to backends only through core and blob.
func TestNoBackendImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.Any(testutil.InfraImport, testutil.StorageDriverImport),
		"adapters must not reach storage backends directly")
}
