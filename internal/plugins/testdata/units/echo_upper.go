package echoupper

import "strings"

// Handle shouts back inputs that ask for it.
func Handle(input string) string {
	if strings.Contains(input, "shout") {
		return strings.ToUpper(input)
	}
	return ""
}
