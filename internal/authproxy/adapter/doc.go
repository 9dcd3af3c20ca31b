// Package adapter contains implementations of interfaces defined in app.
// DynamoDB stores, the Redis rate limiter, the AWS-backed key store, and
// the IdP HTTP client live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authproxy/adapter")
