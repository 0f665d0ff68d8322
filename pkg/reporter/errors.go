package reporter

import "errors"

var errAlreadyStarted = errors.New("reporter: already started")
