package pipeline

import "go.uber.org/goleak"

// go.opencensus.io (linked transitively via google.golang.org/genai's Google
// Cloud dependencies) starts a permanent worker goroutine in init() that can
// never be stopped; it is not a leak in this package's code.
var ignoreOpenCensusWorker = goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start")
