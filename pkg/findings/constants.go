package findings

// Limits shared by the mutation and search packages. Keep them here so a
// value change is a one-line diff.
const (
	// MaxFindingKeys caps explicit key lists in searches and bulk changes.
	MaxFindingKeys = 500

	// MaxCommentLength is the maximum comment length in characters.
	MaxCommentLength = 4000

	// DefaultASVSLevel is the OWASP ASVS level used when none is requested.
	DefaultASVSLevel = 3
)
