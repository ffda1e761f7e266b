package ginx

import "github.com/gin-gonic/gin"

// requestIDKey is the gin.Context key ginx stores the correlation id
// under (gin.Context.Set is string-keyed, unlike context.Context).
const requestIDKey = "ginx.requestID"

// SetRequestID records the correlation id for this request, so any
// handler or error-rendering path downstream can attach it to logs
// and error bodies without re-deriving it.
func SetRequestID(ctx *gin.Context, id string) {
	ctx.Set(requestIDKey, id)
}

// RequestID returns the correlation id set by the request-id
// middleware, or "" if none was set.
func RequestID(ctx *gin.Context) string {
	v, ok := ctx.Get(requestIDKey)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
