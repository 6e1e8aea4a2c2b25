package logging

import (
	"strings"

	wigwag "github.com/PelionIoT/wigwag-go-logger/logging"
)

// Log is shared by every package in gridcore. Messages about a cluster
// member are prefixed with the member id so that logs from several
// in-process nodes can be told apart.
var Log = wigwag.Log

func LogLevelIsValid(ll string) bool {
	return wigwag.LogLevelIsValid(strings.TrimSpace(ll))
}

func SetLoggingLevel(ll string) {
	wigwag.SetLoggingLevel(strings.TrimSpace(ll))
}
