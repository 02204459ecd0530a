package capture

import "context"

type withoutCaptureKey struct{}

// WithoutCapture marks ctx so no Interceptor records the request it carries.
// The reporter uses it for its own calls to the ingestion endpoint.
func WithoutCapture(ctx context.Context) context.Context {
	return context.WithValue(ctx, withoutCaptureKey{}, true)
}

// Suppressed reports whether ctx was marked with WithoutCapture.
func Suppressed(ctx context.Context) bool {
	v, _ := ctx.Value(withoutCaptureKey{}).(bool)
	return v
}
