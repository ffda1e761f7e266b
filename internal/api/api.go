// Package api exposes the control plane's HTTP surface: instance CRUD,
// the OIDC sign-in gate, a liveness probe, and the Prometheus exposition
// endpoint, all behind a verified bearer token except /healthz.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tispace-dev/tispace/internal/auth"
	"github.com/tispace-dev/tispace/internal/config"
	"github.com/tispace-dev/tispace/internal/ipam"
	"github.com/tispace-dev/tispace/internal/metrics"
	"github.com/tispace-dev/tispace/internal/store"
	"github.com/tispace-dev/tispace/pkg/ginx"
)

// API owns the HTTP listener and the instance-management route group.
type API struct {
	engine *gin.Engine
	server *http.Server

	instances *Instances
}

// Deps is everything the route handlers need to admit and persist
// instance mutations. The API never calls a backend driver directly —
// it only edits desired state — so it depends on the store, the node
// inventory and IP pools for admission, and the auth verifier; the
// reconciler is the only component holding a driver.
type Deps struct {
	Store     *store.Store
	Verifier  *auth.Verifier
	Inventory *config.Inventory
	Pools     []ipam.Pool
}

// New builds the gin engine, registers every route, and wraps it in an
// *http.Server listening on addr (":8080"-style).
func New(addr string, deps Deps) *API {
	engine := gin.Default()
	engine.Use(requestIDMiddleware())
	engine.Use(metrics.GinMiddleware())

	a := &API{
		engine:    engine,
		instances: NewInstances(deps.Store, deps.Inventory, deps.Pools),
		server:    &http.Server{Addr: addr, Handler: engine},
	}

	engine.GET("/healthz", ginx.Adapt0(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := engine.Group("")
	authed.Use(deps.Verifier.RequireAuth())
	authed.GET("/authorized", deps.Verifier.HandleAuthorized)
	a.instances.RegisterRoutes(authed)

	return a
}

// Name implements grace.Grace.
func (a *API) Name() string { return "api" }

// Run implements grace.Grace: serves until Shutdown closes the
// listener, at which point ListenAndServe's ErrServerClosed is
// swallowed rather than treated as a run failure.
func (a *API) Run(ctx context.Context) error {
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown implements grace.Grace, draining in-flight requests for
// whatever remains of ctx's deadline before returning.
func (a *API) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

// requestIDMiddleware stamps every request with a correlation id,
// echoed on the response header so a client can match a 500 to a
// server-side log line without the id ever appearing in a JSON body.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		ginx.SetRequestID(c, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}
