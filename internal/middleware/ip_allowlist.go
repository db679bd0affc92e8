// internal/middleware/ip_allowlist.go
package middleware

import (
	"fmt"
	"net/netip"

	"billing-sync-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AllowCIDRs rejects callers outside the given networks with 403. An empty
// list allows everyone.
func AllowCIDRs(cidrs []string, logger *zap.Logger) (gin.HandlerFunc, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("parse allowed network %q: %w", cidr, err)
		}
		prefixes = append(prefixes, p.Masked())
	}

	return func(c *gin.Context) {
		if len(prefixes) == 0 {
			c.Next()
			return
		}

		addr, err := netip.ParseAddr(c.ClientIP())
		if err == nil {
			addr = addr.Unmap()
			for _, p := range prefixes {
				if p.Contains(addr) {
					c.Next()
					return
				}
			}
		}

		logger.Warn("caller outside allowed networks",
			zap.String("ip", c.ClientIP()),
			zap.String("path", c.Request.URL.Path),
		)
		response.Forbidden(c, "source address not allowed")
	}, nil
}
