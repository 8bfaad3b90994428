// Package tokenscope extracts the workflow identifiers GitHub encodes
// in the "scp" claim of the Actions runtime token.
package tokenscope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/golang-jwt/jwt/v5"
)

const KindResults = "Actions.Results"

var ErrMalformedToken = errors.New("malformed runtime token")

// Scope is a single "kind:first:second" entry of the scope claim.
type Scope struct {
	Kind   string
	First  string
	Second string
}

// ParseScopes splits a space-delimited scope claim into triples,
// skipping entries that don't have exactly three non-empty fields.
func ParseScopes(claim string) []Scope {
	var scopes []Scope

	for _, entry := range strings.Fields(claim) {
		fields := strings.Split(entry, ":")
		if len(fields) != 3 {
			continue
		}

		if fields[0] == "" || fields[1] == "" || fields[2] == "" {
			continue
		}

		scopes = append(scopes, Scope{
			Kind:   fields[0],
			First:  fields[1],
			Second: fields[2],
		})
	}

	return scopes
}

// FromToken reads the scope claim without verifying the token's
// signature, the backend does that on every call anyway.
func FromToken(token string) ([]Scope, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}

	rawClaim, ok := claims["scp"]
	if !ok {
		return nil, nil
	}

	claim, ok := rawClaim.(string)
	if !ok {
		return nil, fmt.Errorf("%w: \"scp\" claim is a %T, not a string", ErrMalformedToken, rawClaim)
	}

	return ParseScopes(claim), nil
}

func ResultsBackendIDs(scopes []Scope) (cacheservice.WorkflowRef, bool) {
	for _, scope := range scopes {
		if scope.Kind != KindResults {
			continue
		}

		return cacheservice.WorkflowRef{
			WorkflowRunBackendID:    scope.First,
			WorkflowJobRunBackendID: scope.Second,
		}, true
	}

	return cacheservice.WorkflowRef{}, false
}
