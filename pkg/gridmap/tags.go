package gridmap

import (
	"strings"

	"github.com/google/uuid"
)

// Tags become file names in the store's index and batch names on the
// scheduler, so the character set is restricted accordingly.
const (
	maxTagLength      = 200
	transientPrefix   = "tmp-"
	invalidTagChars   = `/\:*?"<>|`
	invalidTagMessage = `must not contain any of / \ : * ? " < > | or whitespace`
)

func validateTag(tag string) error {
	switch {
	case tag == "":
		return &InvalidTagError{Tag: tag, Reason: "must not be empty"}
	case len(tag) > maxTagLength:
		return &InvalidTagError{Tag: tag, Reason: "too long"}
	case strings.HasPrefix(tag, "."):
		return &InvalidTagError{Tag: tag, Reason: "must not start with a dot"}
	}
	for _, r := range tag {
		if r < 0x20 || r == 0x7f {
			return &InvalidTagError{Tag: tag, Reason: "must not contain control characters"}
		}
		if strings.ContainsRune(invalidTagChars+" \t", r) {
			return &InvalidTagError{Tag: tag, Reason: invalidTagMessage}
		}
	}
	return nil
}

// generateTag names a map the user did not care to name. Maps created this
// way are marked transient and are swept by CleanTransient.
func generateTag() string {
	return transientPrefix + uuid.NewString()[:8]
}
