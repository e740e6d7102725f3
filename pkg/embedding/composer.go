package embedding

import (
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/inflection"

	"github.com/syncrail/syncrail-engine/pkg/models"
)

// composeFields lists, per table, the columns woven into the embedding text
// in order. Columns with empty values are skipped.
var composeFields = map[string][]string{
	models.TableWorkItems:      {"key", "summary", "description", "status_name", "assignee", "reporter", "team"},
	models.TableProjects:       {"key", "name", "description"},
	models.TableWorkItemTypes:  {"name", "description"},
	models.TableStatuses:       {"name", "category", "project_key"},
	models.TablePullRequests:   {"title", "status", "author"},
	models.TablePRCommits:      {"message", "author"},
	models.TablePRReviews:      {"state", "reviewer", "body"},
	models.TablePRComments:     {"author", "body"},
	models.TableRepositories:   {"name", "url"},
	models.TableSprints:        {"name", "state", "goal"},
	models.TableChangelogs:     {"work_item_key", "field", "from_value", "to_value"},
	models.TableCrossLinks:     {"work_item_key", "pr_external_id"},
	models.TableWITHierarchies: {"name", "level"},
	models.TableWITMappings:    {"name"},
	models.TableStatusMappings: {"name", "canonical"},
	models.TableWorkflows:      {"name"},
}

// Compose builds the text representation of one row for vectorization. The
// text leads with the singular entity type so semantically similar rows of
// different tables still separate in vector space.
func Compose(table string, row map[string]any) string {
	entityType := strings.ReplaceAll(inflection.Singular(table), "_", " ")

	fields, ok := composeFields[table]
	if !ok {
		// Unknown table: fall back to "<entity type>: <best identifier>".
		for _, candidate := range []string{"name", "key", "external_id", "id"} {
			if v := formatValue(row[candidate]); v != "" {
				return entityType + ": " + v
			}
		}
		return entityType
	}

	parts := []string{entityType}
	for _, field := range fields {
		if v := formatValue(row[field]); v != "" {
			parts = append(parts, field+": "+v)
		}
	}
	if len(parts) == 1 {
		// Nothing textual on the row; fall back like an unknown table.
		for _, candidate := range []string{"key", "external_id", "id"} {
			if v := formatValue(row[candidate]); v != "" {
				return entityType + ": " + v
			}
		}
	}
	return strings.Join(parts, "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case time.Time:
		return val.Format(time.RFC3339)
	case []byte:
		return strings.TrimSpace(string(val))
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}
