package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"golang.org/x/time/rate"

	"github.com/quantumauth-io/walletlink-client/internal/jsonrpc"
	"github.com/quantumauth-io/walletlink-client/internal/rpcerr"
)

// loopbackOnly rejects requests that do not come from, and address, this machine.
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopbackRequest(c.Request) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": HTTPErrorForbiddenText})
			return
		}
		if !isSafeLocalHost(c.Request.Host) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": HTTPErrorForbiddenHostText})
			return
		}
		c.Next()
	}
}

// rateLimit answers with a JSON-RPC limit error once limiter runs dry. A nil limiter
// lets everything through.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || limiter.Allow() {
			c.Next()
			return
		}
		log.Warn("rpc request rate limited", "remote", c.Request.RemoteAddr)
		c.AbortWithStatusJSON(http.StatusTooManyRequests,
			jsonrpc.ErrorResponse(nil, rpcerr.New(rpcerr.CodeLimitExceeded, HTTPErrorRateLimitedText)))
	}
}
