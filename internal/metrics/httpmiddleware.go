package metrics

import (
	ginmw "github.com/slok/go-http-metrics/middleware/gin"

	metricsmw "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"

	"github.com/gin-gonic/gin"
)

// GinMiddleware records request duration and in-flight counts for
// every route, the same recorder/middleware pair the rest of the pack
// wires up for its own HTTP servers.
func GinMiddleware() gin.HandlerFunc {
	mdlw := middleware.New(middleware.Config{
		Recorder: metricsmw.NewRecorder(metricsmw.Config{Prefix: "tispace_http"}),
	})
	return ginmw.Handler("", mdlw)
}
