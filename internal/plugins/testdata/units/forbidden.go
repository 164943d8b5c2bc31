package forbidden

import "os"

func Handle(input string) string { return os.Getenv("HOME") }
