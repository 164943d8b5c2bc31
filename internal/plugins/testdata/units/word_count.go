package wordcount

import (
	"fmt"
	"strings"
)

func RegisterPlugin() func(string) (string, bool) {
	limit := 5
	return func(input string) (string, bool) {
		n := len(strings.Fields(input))
		if n > limit {
			return fmt.Sprintf("long prompt: %d words", n), true
		}
		return "", false
	}
}
