package ledger

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

const entryIDPrefix = "bill"

// NewEntryID returns a K-sortable internal identifier such as "bill_01h2xcejqtf2nbrexx3vqjhp41".
func NewEntryID() string {
	tid, err := typeid.Generate(entryIDPrefix)
	if err != nil {
		panic(fmt.Sprintf("ledger: generate entry id: %v", err))
	}
	return tid.String()
}

// ValidEntryID reports whether s is a well-formed entry identifier.
func ValidEntryID(s string) bool {
	tid, err := typeid.Parse(s)
	return err == nil && tid.Prefix() == entryIDPrefix
}
