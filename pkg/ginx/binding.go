package ginx

import "github.com/gin-gonic/gin"

// bindArgs binds request parameters into args, in priority order: JSON
// body, then URI parameters, then query parameters, then form.
func bindArgs(ctx *gin.Context, args any) error {
	if err := ctx.ShouldBindJSON(args); err == nil {
		_ = ctx.ShouldBindUri(args)
		_ = ctx.ShouldBindQuery(args)
		return nil
	}

	if err := ctx.ShouldBindUri(args); err == nil {
		_ = ctx.ShouldBindQuery(args)
		return nil
	}

	if err := ctx.ShouldBindQuery(args); err == nil {
		return nil
	}

	return ctx.ShouldBind(args)
}
