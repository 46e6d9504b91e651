package lifecycle

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// IDGenerator produces client order ids.
type IDGenerator interface {
	NewID(side string) string
}

// TaggedIDs builds ids of the form <TAG>-<SIDE>-<6 hex chars> so orders of
// this strategy can be told apart from other actors on the account.
type TaggedIDs struct {
	Tag string
}

// NewID returns a fresh id for the given side label.
func (g TaggedIDs) NewID(side string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s", g.Tag, side, suffix)
}
