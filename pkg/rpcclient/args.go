package rpcclient

import (
	"fmt"
	"strings"
)

// JoinArgs flattens contract call arguments into the single comma-joined
// string the node expects.
func JoinArgs(args ...any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	return strings.Join(parts, ",")
}
