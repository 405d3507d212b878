package commands

import "strings"

// headline returns the first line of an error message.
func headline(err error) string {
	msg, _, _ := strings.Cut(err.Error(), "\n")
	return msg
}
