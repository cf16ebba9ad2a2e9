package domain

import (
	"testing"

	"writingstudy/testutil"
)

// Every backend depends on domain, never the other way round.
func TestDomainImportsStandardLibraryOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.NonStandardLibrary, "domain must only import the standard library")
}
