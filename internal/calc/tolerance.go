package calc

import (
	"math/cmplx"
	"strings"
)

// CompareWithTolerance reports whether actual is within tol of expected.
// tol is relative if it ends in "%" ("5%" means 0.05 * max(|actual|,|expected|)),
// absolute otherwise; either form may itself be an expression ("1e-3", "2m").
// Complex values compare by magnitude of the difference.
func CompareWithTolerance(actual, expected complex128, tol string) (bool, error) {
	tol = strings.TrimSpace(tol)
	if tol == "" {
		tol = "0"
	}
	var tolerance float64
	if strings.HasSuffix(tol, "%") {
		rel, err := EvaluateReal(nil, DefaultFunctions(), strings.TrimSuffix(tol, "%"), false)
		if err != nil {
			return false, err
		}
		tolerance = rel * 0.01 * max(cmplx.Abs(actual), cmplx.Abs(expected))
	} else {
		abs, err := EvaluateReal(nil, DefaultFunctions(), tol, false)
		if err != nil {
			return false, err
		}
		tolerance = abs
	}
	return cmplx.Abs(actual-expected) <= tolerance, nil
}
