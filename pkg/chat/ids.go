package chat

import (
	"math/big"
	"strings"
)

// GroupConversationID is the well-known id of the single group conversation.
const GroupConversationID = "group_chat_general"

// ConversationID returns the id of the 1:1 conversation between a and b: both ids
// concatenated with the larger one first. The result does not depend on argument order.
// Ids made only of digits compare numerically, anything else compares lexically.
func ConversationID(a, b string) string {
	if greater(b, a) {
		a, b = b, a
	}
	return a + b
}

func greater(a, b string) bool {
	x, okA := new(big.Int).SetString(a, 10)
	y, okB := new(big.Int).SetString(b, 10)
	if okA && okB && isDigits(a) && isDigits(b) {
		if c := x.Cmp(y); c != 0 {
			return c > 0
		}
	}
	return strings.Compare(a, b) > 0
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ProfileKey is the child key of a user's profile under /profiles.
func ProfileKey(userID string) string {
	return "profile_" + userID
}
