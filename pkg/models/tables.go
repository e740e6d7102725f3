package models

// Normalized table names. Queue payloads, bridge rows, and collection names
// all reference tables through these constants.
const (
	TableProjects          = "projects"
	TableWorkItemTypes     = "wits"
	TableStatuses          = "statuses"
	TableWorkItems         = "work_items"
	TableChangelogs        = "work_items_changelogs"
	TablePullRequests      = "prs"
	TablePRCommits         = "prs_commits"
	TablePRReviews         = "prs_reviews"
	TablePRComments        = "prs_comments"
	TableRepositories      = "repos"
	TableCrossLinks        = "work_items_prs_links"
	TableSprints           = "sprints"
	TableWorkItemSprints   = "work_items_sprints"
	TableWITHierarchies    = "wits_hierarchies"
	TableWITMappings       = "wits_mappings"
	TableStatusMappings    = "status_mappings"
	TableWorkflows         = "workflows"
	TableCustomFieldValues = "custom_fields_mapping"
)

// VectorTypeSemantic is the single vector type currently produced; the
// bridge key includes it so additional vector types slot in without schema
// changes.
const VectorTypeSemantic = "semantic"

// embeddingKeyFields maps each table to the column the embedding worker
// queries by. Getting this wrong drops entities silently ("entity not
// found"), so the mapping lives in exactly one place.
var embeddingKeyFields = map[string]string{
	TableProjects:       "key",
	TableWorkItems:      "key",
	TableCrossLinks:     "id",
	TableWITHierarchies: "id",
	TableWITMappings:    "id",
	TableStatusMappings: "id",
	TableWorkflows:      "id",
}

// EmbeddingKeyField returns the column used to fetch a row of the given
// table for vectorization. Tables without an entry use external_id.
func EmbeddingKeyField(table string) string {
	if field, ok := embeddingKeyFields[table]; ok {
		return field
	}
	return "external_id"
}
