package stalled

import "time"

func RegisterPlugin() func(string) string {
	for time.Now().Year() > 0 {
		time.Sleep(time.Second)
	}
	return nil
}
