package registry

import (
	"log"
	"os"
)

// logger is the package-wide logger. This repo has never pulled in a
// structured logging library (see DESIGN.md) — the package logs
// through the standard library log package.
var logger = log.New(os.Stderr, "[registry] ", log.LstdFlags)
