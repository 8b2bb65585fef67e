package sql

import (
	"fmt"

	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult contains the result of an injection check on a parameter value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	ParamName   string // Placeholder the value is bound to, e.g. "$2"
	ParamValue  any
}

// CheckParameterForInjection uses libinjection to detect SQL injection patterns
// in a parameter value. Only strings are checked.
//
// Values are always bound, so a hit is a signal worth auditing rather than a
// reason to refuse the query.
func CheckParameterForInjection(paramName string, value any) *InjectionCheckResult {
	strValue, ok := value.(string)
	if !ok {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(strValue)
	if isSQLi {
		return &InjectionCheckResult{
			IsSQLi:      true,
			Fingerprint: string(fingerprint),
			ParamName:   paramName,
			ParamValue:  value,
		}
	}
	return nil
}

// CheckAllParameters checks positional parameters, naming each by its placeholder.
func CheckAllParameters(params []any) []*InjectionCheckResult {
	var results []*InjectionCheckResult
	for i, value := range params {
		if result := CheckParameterForInjection(fmt.Sprintf("$%d", i+1), value); result != nil {
			results = append(results, result)
		}
	}
	return results
}
