package broken

func Handle(input string) string {
	return input +
