// Package ids generates K-sortable, prefix-qualified identifiers.
package ids

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an id.
type Prefix string

const (
	PrefixTransaction Prefix = "txn" // ledger transaction
	PrefixDelivery    Prefix = "dlv" // one webhook event fan-out
	PrefixAttempt     Prefix = "whd" // one webhook delivery attempt record
	PrefixWebhook     Prefix = "wh"  // webhook subscription
)

// New returns a fresh id such as "txn_01h2xcejqtf2nbrexx3vqjhp41". It panics
// on an invalid prefix, which is a programming error.
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("ids: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// HasPrefix reports whether s parses as an id of the given type.
func HasPrefix(s string, prefix Prefix) bool {
	tid, err := typeid.Parse(s)
	if err != nil {
		return false
	}
	return tid.Prefix() == string(prefix)
}
