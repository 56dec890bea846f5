package reasoner_test

import (
	"sunwell.dev/sunwell/runtime/executor"
	"sunwell.dev/sunwell/runtime/reasoner"
)

// The assertion lives in the external test package because executor
// transitively imports reasoner, which an in-package test cannot.
var _ executor.Advisor = (*reasoner.Reasoner)(nil)
