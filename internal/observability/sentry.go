package observability

import (
	"github.com/getsentry/sentry-go"
)

// CaptureError reports err to Sentry with the given tags. It is a no-op when
// Sentry was never initialised.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}
