// Package secrets implements environment-variable resolution for launched
// workers: a scoped lookup with repo+agent > repo > agent > global
// precedence, and the GitHub credential fallback chain the launcher uses
// when GITHUB_TOKEN does not resolve through the scope chain.
package secrets

import (
	"os"

	"github.com/campipeline/cam/pkg/types"
)

// githubTokenEnvVars is checked in order; the first one set wins.
var githubTokenEnvVars = []string{
	"GITHUB_TOKEN",
	"GITHUB_PAT",
	"GITHUB_API_TOKEN",
	"GIT_HTTP_TOKEN",
	"CAM_GIT_HTTP_TOKEN",
}

// Lookup is the process-environment lookup function, overridable in tests.
type Lookup func(key string) (string, bool)

// Resolver resolves environment variable values for a scope, backed by the
// process environment with scope-qualified key names.
type Resolver struct {
	lookup Lookup
}

// New constructs a Resolver backed by os.LookupEnv.
func New() *Resolver {
	return &Resolver{lookup: os.LookupEnv}
}

// NewWithLookup constructs a Resolver backed by a custom lookup, for tests.
func NewWithLookup(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve looks up name with precedence repo+agent > repo > agent > global.
// Scoped keys are namespaced as CAM_SECRET__<repoId>__<agentDefId>__<name>,
// CAM_SECRET__<repoId>__<name>, CAM_SECRET__AGENT__<agentDefId>__<name>, and
// finally the bare name as the global fallback. Returns ("", false) if no
// scope has a value.
func (r *Resolver) Resolve(name string, scope types.EnvVarScope) (string, bool) {
	candidates := make([]string, 0, 4)

	if scope.RepositoryID != "" && scope.AgentDefinitionID != "" {
		candidates = append(candidates, "CAM_SECRET__"+scope.RepositoryID+"__"+scope.AgentDefinitionID+"__"+name)
	}
	if scope.RepositoryID != "" {
		candidates = append(candidates, "CAM_SECRET__"+scope.RepositoryID+"__"+name)
	}
	if scope.AgentDefinitionID != "" {
		candidates = append(candidates, "CAM_SECRET__AGENT__"+scope.AgentDefinitionID+"__"+name)
	}
	candidates = append(candidates, name)

	for _, key := range candidates {
		if v, ok := r.lookup(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// ResolveGitHubToken walks the GitHub credential fallback chain, returning
// the first non-empty token found.
func (r *Resolver) ResolveGitHubToken() (string, bool) {
	for _, key := range githubTokenEnvVars {
		if v, ok := r.lookup(key); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
