// ABOUTME: Catalog of job types the panel offers, with their config field schemas
// ABOUTME: Served to the UI so job forms can be rendered without hardcoding

package panel

// ConfigField describes one config key a job type accepts.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description"`
}

// JobType describes one runnable job type.
type JobType struct {
	Type        string        `json:"type"`
	Label       string        `json:"label"`
	Description string        `json:"description"`
	Fields      []ConfigField `json:"fields"`
}

// JobTypeCatalog lists the job types the agent ships with. Submissions are
// validated against this list.
var JobTypeCatalog = []JobType{
	{
		Type:        "cleanup",
		Label:       "Cleanup",
		Description: "Prune aged files from configured directories",
		Fields: []ConfigField{
			{Name: "paths", Type: "string[]", Description: "Directories to prune (defaults to the temp dir)"},
			{Name: "older_than_days", Type: "number", Default: 7, Description: "Remove files older than this many days"},
			{Name: "timeout", Type: "number", Description: "Execute timeout override in seconds"},
		},
	},
	{
		Type:        "healthcheck",
		Label:       "Health check",
		Description: "Sample disk usage and load average",
		Fields: []ConfigField{
			{Name: "timeout", Type: "number", Description: "Execute timeout override in seconds"},
		},
	},
}

func knownJobType(jobType string) bool {
	for _, t := range JobTypeCatalog {
		if t.Type == jobType {
			return true
		}
	}
	return false
}
