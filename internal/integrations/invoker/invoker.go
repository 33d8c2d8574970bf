// Package invoker delivers stage payloads to their next consumer without
// waiting for the consumer to finish.
package invoker

import "context"

// Invoker hands payload to target asynchronously. A nil error means the
// transport accepted the payload, not that the target processed it.
type Invoker interface {
	Invoke(ctx context.Context, target string, payload []byte) error
}
