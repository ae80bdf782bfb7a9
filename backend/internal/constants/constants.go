package constants

// Linking constants
const (
	// DefaultConfidenceThreshold is the minimum confidence a candidate needs
	// before it is written to the system of record
	DefaultConfidenceThreshold = 0.7

	// DefaultRelationField is the Notion relation property connections are
	// written to when no per-type field is configured
	DefaultRelationField = "Related Projects"
)

// Batch execution constants
const (
	// DefaultMaxConcurrency bounds in-flight requests against the system of
	// record and the source adapters
	DefaultMaxConcurrency = 8
)

// Discovery constants
const (
	// DefaultMentionWindowDays is how far back the mail corpus is searched
	DefaultMentionWindowDays = 90
)

// Scheduling constants
const (
	// DefaultSchedule runs the pipeline every morning before the brief is built
	DefaultSchedule = "0 6 * * *"
)

// Source kinds as they are stored by adapters and the graph
const (
	SourceLinkedIn      = "linkedin"
	SourceGmail         = "gmail"
	SourceNotionPerson  = "notion-person"
	SourceNotionOrg     = "notion-org"
	SourceNotionProject = "notion-project"
)
