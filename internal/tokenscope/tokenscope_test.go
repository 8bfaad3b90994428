package tokenscope_test

import (
	"testing"
	"time"

	"github.com/cirruslabs/gha-cache-gateway/internal/cacheservice"
	"github.com/cirruslabs/gha-cache-gateway/internal/tokenscope"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestParseScopes(t *testing.T) {
	scopes := tokenscope.ParseScopes("Actions.GenericRead:00000000-0000-0000-0000-000000000000 " +
		"Actions.Results:run-id:job-id  broken:: Actions.UploadArtifacts:a:b:c Other:x:y")

	require.Equal(t, []tokenscope.Scope{
		{Kind: "Actions.Results", First: "run-id", Second: "job-id"},
		{Kind: "Other", First: "x", Second: "y"},
	}, scopes)

	require.Empty(t, tokenscope.ParseScopes(""))
}

func TestResultsBackendIDs(t *testing.T) {
	ref, ok := tokenscope.ResultsBackendIDs(tokenscope.ParseScopes("Other:x:y Actions.Results:run:job"))
	require.True(t, ok)
	require.Equal(t, cacheservice.WorkflowRef{
		WorkflowRunBackendID:    "run",
		WorkflowJobRunBackendID: "job",
	}, ref)

	_, ok = tokenscope.ResultsBackendIDs(tokenscope.ParseScopes("Other:x:y"))
	require.False(t, ok)
}

func TestFromToken(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scp": "Actions.ExampleScope Actions.Results:ce7f54c7:ca395085",
		"nbf": time.Now().Add(-time.Hour).Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tokenString, err := token.SignedString([]byte("whatever"))
	require.NoError(t, err)

	scopes, err := tokenscope.FromToken(tokenString)
	require.NoError(t, err)
	require.Equal(t, []tokenscope.Scope{
		{Kind: "Actions.Results", First: "ce7f54c7", Second: "ca395085"},
	}, scopes)

	_, err = tokenscope.FromToken("not-a-jwt")
	require.ErrorIs(t, err, tokenscope.ErrMalformedToken)
}
