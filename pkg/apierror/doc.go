// Package apierror provides a single structured error type used for
// uniform error handling across the control plane.
//
// Every error carries a Kind alongside its HTTP status, so callers can
// branch on "is this retryable" or "is this a conflict" without
// string-matching messages:
//
//	KindValidation        400  malformed request, never admitted
//	KindConflict           409/403/404  admission check failed
//	KindAuth               401/403  bearer token missing, invalid, or not allowed
//	KindBackendTransient   driver failure, reconciler retries with backoff
//	KindBackendPermanent   driver failure, recorded as last_error
//	KindInternal           500  unexpected failure
//
// Responses render as a flat JSON body; the correlation id travels on
// the X-Request-Id response header instead, so it is never duplicated
// into the body:
//
//	{
//	    "error": "instance \"web-1\" already exists",
//	    "code": "InstanceExists"
//	}
//
// Usage:
//
//	err := apierror.Conflict("InstanceExists", "instance %q already exists", name)
//	if errors.Is(err, apierror.Conflict("", "")) { ... } // match by Kind
//
//	// in a gin handler, via pkg/ginx:
//	ginx.RenderError(c, err)
package apierror
