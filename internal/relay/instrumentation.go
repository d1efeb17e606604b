package relay

import "go.opentelemetry.io/otel"

const scopeName = "github.com/stupiduntilnot/parley/internal/relay"

var tracer = otel.Tracer(scopeName)
