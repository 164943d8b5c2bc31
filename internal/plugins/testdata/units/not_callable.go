package notcallable

func RegisterPlugin() int { return 42 }
