package health

import "errors"

var errNotInitialised = errors.New("not initialised")
