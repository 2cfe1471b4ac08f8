package params

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError rejects a submission before a task is created. The
// message is safe to show to the submitter verbatim.
type ValidationError struct {
	// Token is the offending fragment of the submission ("foo=1",
	// "seed=-5", "attachments").
	Token string
	// Allowed lists the permitted parameter names when the failure is an
	// unknown name; empty otherwise.
	Allowed []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("invalid parameter %q: %s (allowed: %s)", e.Token, e.Reason, strings.Join(e.Allowed, ", "))
	}
	if e.Token != "" {
		return fmt.Sprintf("invalid parameter %q: %s", e.Token, e.Reason)
	}
	return e.Reason
}

func unknownParam(token string, allowed map[string]struct{}) *ValidationError {
	names := make([]string, 0, len(allowed))
	for n := range allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return &ValidationError{Token: token, Allowed: names, Reason: "unknown parameter"}
}
