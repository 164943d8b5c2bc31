package scratch

func Handle(input string) string { return "should never load" }
