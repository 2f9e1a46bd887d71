package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type RouterOptions struct {
	// AllowedOrigins are the dapp origins allowed to call the bridge from a browser.
	AllowedOrigins []string
	// RateLimit and RateBurst bound /rpc. Zero disables the limit.
	RateLimit float64
	RateBurst int
	// Metrics is served on /metrics when set.
	Metrics http.Handler
}

func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	origins := normalizeOrigins(opts.AllowedOrigins)
	if len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: false,
			MaxAge:           10 * time.Minute,
		}))
	}

	r.GET(PathHealth, h.Health)

	local := r.Group("/", loopbackOnly())
	{
		local.GET(PathStatus, h.Status)
		local.GET(PathLink, h.Link)
		local.GET(PathEvents, h.Events(newUpgrader(origins)))

		var limiter *rate.Limiter
		if opts.RateLimit > 0 {
			burst := opts.RateBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		}
		local.POST(PathRPC, rateLimit(limiter), h.RPC)

		if opts.Metrics != nil {
			local.GET(PathMetrics, gin.WrapH(opts.Metrics))
		}
	}
	return r
}
