// Package ginx provides generic gin handler adapters, so endpoint
// handlers can take typed arguments and return typed results or an
// error instead of reading/writing *gin.Context directly.
//
// Supported handler signatures:
//
//	// 1. args, response, error
//	func(c *gin.Context, args *Args) (resp, error)
//
//	// 2. args, error only (renders 204 on success)
//	func(c *gin.Context, args *Args) error
//
//	// 3. args, response only
//	func(c *gin.Context, args *Args) resp
//
//	// 4. no args, response, error
//	func(c *gin.Context) (resp, error)
//
//	// 5. no args, error only
//	func(c *gin.Context) error
//
//	// 6. no args, response only
//	func(c *gin.Context) resp
//
//	// 7. no args, no return value
//	func(c *gin.Context)
//
// Responses are always JSON. An error satisfying errors.As into
// *apierror.Error renders with that error's HTTPStatus and Kind-tagged
// body; any other error renders as a 500.
//
// Example:
//
//	router := gin.Default()
//
//	router.POST("/instances", ginx.Adapt5(func(c *gin.Context, args *CreateInstanceArgs) (*domain.Instance, error) {
//	    return svc.Create(c.Request.Context(), args)
//	}))
//
//	router.DELETE("/instances/:name", ginx.Adapt4(func(c *gin.Context, args *InstanceKeyArgs) error {
//	    return svc.Delete(c.Request.Context(), args)
//	}))
//
//	router.GET("/healthz", ginx.Adapt2(func(c *gin.Context) string {
//	    return "ok"
//	}))
package ginx
