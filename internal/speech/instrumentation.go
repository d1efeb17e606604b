package speech

import "go.opentelemetry.io/otel"

const scopeName = "github.com/stupiduntilnot/parley/internal/speech"

var tracer = otel.Tracer(scopeName)
