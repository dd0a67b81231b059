package secrets_test

import (
	"testing"

	"github.com/campipeline/cam/pkg/secrets"
	"github.com/campipeline/cam/pkg/types"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) secrets.Lookup {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestResolve_PrefersRepoAndAgentScopeOverEverything(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"CAM_SECRET__repo-1__agent-1__API_KEY": "most-specific",
		"CAM_SECRET__repo-1__API_KEY":          "repo-scoped",
		"CAM_SECRET__AGENT__agent-1__API_KEY":  "agent-scoped",
		"API_KEY":                              "global",
	}))

	v, ok := resolver.Resolve("API_KEY", types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "agent-1"})
	require.True(t, ok)
	require.Equal(t, "most-specific", v)
}

func TestResolve_FallsBackToRepoScope(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"CAM_SECRET__repo-1__API_KEY": "repo-scoped",
		"API_KEY":                     "global",
	}))

	v, ok := resolver.Resolve("API_KEY", types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "agent-1"})
	require.True(t, ok)
	require.Equal(t, "repo-scoped", v)
}

func TestResolve_FallsBackToAgentScope(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"CAM_SECRET__AGENT__agent-1__API_KEY": "agent-scoped",
		"API_KEY":                             "global",
	}))

	v, ok := resolver.Resolve("API_KEY", types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "agent-1"})
	require.True(t, ok)
	require.Equal(t, "agent-scoped", v)
}

func TestResolve_FallsBackToGlobal(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"API_KEY": "global",
	}))

	v, ok := resolver.Resolve("API_KEY", types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "agent-1"})
	require.True(t, ok)
	require.Equal(t, "global", v)
}

func TestResolve_ReturnsFalseWhenNothingSet(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{}))

	_, ok := resolver.Resolve("API_KEY", types.EnvVarScope{RepositoryID: "repo-1"})
	require.False(t, ok)
}

func TestResolve_TreatsEmptyValueAsUnset(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"API_KEY": "",
	}))

	_, ok := resolver.Resolve("API_KEY", types.EnvVarScope{})
	require.False(t, ok)
}

func TestResolveGitHubToken_WalksFallbackChainInOrder(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{
		"GITHUB_PAT":     "pat-token",
		"GIT_HTTP_TOKEN": "http-token",
	}))

	v, ok := resolver.ResolveGitHubToken()
	require.True(t, ok)
	require.Equal(t, "pat-token", v)
}

func TestResolveGitHubToken_ReturnsFalseWhenNoneSet(t *testing.T) {
	resolver := secrets.NewWithLookup(lookupFrom(map[string]string{}))

	_, ok := resolver.ResolveGitHubToken()
	require.False(t, ok)
}
