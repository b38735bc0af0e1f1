package capability

// Builtin returns the capability table shipped with the binary.
func Builtin() []Capability {
	return []Capability{
		{
			IntegrationID:     "github",
			Resource:          "issues",
			AllowedOperations: []Operation{OpRead, OpFilter, OpGroup, OpAggregate, OpWrite, OpMutate},
			SupportedFields:   []string{"repo", "state", "labels", "assignee", "since", "title", "body", "number"},
			Constraints:       &Constraints{MaxLimit: 100, RequiredFilters: []string{"repo"}},
		},
		{
			IntegrationID:     "github",
			Resource:          "commits",
			AllowedOperations: []Operation{OpRead, OpAggregate},
			SupportedFields:   []string{"repo", "branch", "author", "since", "until"},
			Constraints:       &Constraints{MaxLimit: 100, RequiredFilters: []string{"repo"}},
		},
		{
			IntegrationID:     "github",
			Resource:          "pull_requests",
			AllowedOperations: []Operation{OpRead, OpFilter, OpAggregate, OpWrite},
			SupportedFields:   []string{"repo", "state", "base", "head", "title", "body"},
			Constraints:       &Constraints{MaxLimit: 100, RequiredFilters: []string{"repo"}},
		},
		{
			IntegrationID:     "gitlab",
			Resource:          "merge_requests",
			AllowedOperations: []Operation{OpRead, OpFilter},
			SupportedFields:   []string{"project", "state", "author", "labels"},
			Constraints:       &Constraints{MaxLimit: 100, RequiredFilters: []string{"project"}},
		},
		{
			IntegrationID:     "linear",
			Resource:          "issues",
			AllowedOperations: []Operation{OpRead, OpFilter, OpGroup, OpAggregate, OpWrite, OpMutate},
			SupportedFields:   []string{"team", "state", "assignee", "priority", "labels", "title", "description", "id"},
			Constraints:       &Constraints{MaxLimit: 250},
		},
		{
			IntegrationID:     "jira",
			Resource:          "issues",
			AllowedOperations: []Operation{OpRead, OpFilter, OpGroup, OpWrite, OpMutate},
			SupportedFields:   []string{"project", "status", "assignee", "jql", "summary", "description", "key"},
			Constraints:       &Constraints{MaxLimit: 100},
		},
		{
			IntegrationID:     "slack",
			Resource:          "messages",
			AllowedOperations: []Operation{OpRead, OpFilter, OpNotify},
			SupportedFields:   []string{"channel", "text", "thread_ts", "oldest", "latest"},
			Constraints:       &Constraints{MaxLimit: 200, RequiredFilters: []string{"channel"}},
		},
		{
			IntegrationID:     "stripe",
			Resource:          "charges",
			AllowedOperations: []Operation{OpRead, OpFilter, OpAggregate},
			SupportedFields:   []string{"customer", "status", "created_gte", "created_lte", "currency"},
			Constraints:       &Constraints{MaxLimit: 100},
		},
		{
			IntegrationID:     "stripe",
			Resource:          "customers",
			AllowedOperations: []Operation{OpRead, OpFilter},
			SupportedFields:   []string{"email", "created_gte"},
			Constraints:       &Constraints{MaxLimit: 100},
		},
		{
			IntegrationID:     "hubspot",
			Resource:          "contacts",
			AllowedOperations: []Operation{OpRead, OpFilter, OpGroup, OpMutate},
			SupportedFields:   []string{"email", "company", "lifecycle_stage", "owner"},
			Constraints:       &Constraints{MaxLimit: 100},
		},
		{
			IntegrationID:     "salesforce",
			Resource:          "accounts",
			AllowedOperations: []Operation{OpRead, OpFilter, OpGroup, OpAggregate},
			SupportedFields:   []string{"industry", "owner", "website", "name"},
			Constraints:       &Constraints{MaxLimit: 200},
		},
	}
}
