package ginx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tispace-dev/tispace/pkg/apierror"
)

// StatusCoder lets a response type override the default 200 success
// status — e.g. a create handler returning 201.
type StatusCoder interface {
	StatusCode() int
}

// renderResponse writes response as the 200 JSON body, or a bare 204
// if response is nil (used by the no-return-value adapters). A bare
// string is written as plain text; other scalar types are wrapped in
// {"value": ...} so the body is still a JSON object.
func renderResponse(ctx *gin.Context, response any) {
	if response == nil {
		ctx.Status(http.StatusNoContent)
		return
	}

	status := http.StatusOK
	if sc, ok := response.(StatusCoder); ok {
		status = sc.StatusCode()
	}

	switch v := response.(type) {
	case string:
		ctx.String(status, v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		ctx.JSON(status, gin.H{"value": v})
	default:
		ctx.JSON(status, response)
	}
}

// renderError writes err as a flat {"error", "code"} JSON body; the
// correlation id, if any, travels on the X-Request-Id header rather
// than in the body. If err is an *apierror.Error its Kind-derived
// HTTPStatus is used instead of the caller's default statusCode;
// anything else is rendered as a 500 with no code.
func renderError(ctx *gin.Context, statusCode int, err error) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus > 0 {
			statusCode = apiErr.HTTPStatus
		}
		ctx.JSON(statusCode, apiErr.ResponseBody())
		return
	}

	ctx.JSON(statusCode, apierror.Body{Error: err.Error()})
}

// RenderError is the public entry point handlers outside the Adapt*
// family (middleware, auth gates) use to render an error the same way
// the adapters do.
func RenderError(ctx *gin.Context, err error) {
	renderError(ctx, http.StatusInternalServerError, err)
}
