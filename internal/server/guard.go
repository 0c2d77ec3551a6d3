package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// bridgeGuard limits who may open the worker connection. With an empty allow
// list every source passes; otherwise loopback and the listed addresses or
// CIDRs do.
func bridgeGuard(allow []string) gin.HandlerFunc {
	nets := parseIPNets(allow)
	return func(c *gin.Context) {
		if len(allow) == 0 {
			c.Next()
			return
		}
		// Gin's ClientIP honors TrustedProxies, which this engine leaves empty.
		ip := net.ParseIP(strings.TrimSpace(c.ClientIP()))
		if ip != nil && (ip.IsLoopback() || ipInNets(ip, nets)) {
			c.Next()
			return
		}
		log.WithFields(log.Fields{
			"ip":     c.ClientIP(),
			"source": classifyClientSource(ip),
		}).Warn("worker connection refused by allow list")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "ip not allowed for the worker bridge"})
	}
}

func parseIPNets(list []string) []*net.IPNet {
	out := make([]*net.IPNet, 0)
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ipnet, err := net.ParseCIDR(s); err == nil {
			out = append(out, ipnet)
			continue
		}
		if ip := net.ParseIP(s); ip != nil {
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
		}
	}
	return out
}

func ipInNets(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n != nil && n.Contains(ip) {
			return true
		}
	}
	return false
}

// classifyClientSource categorizes the IP origin for logs.
func classifyClientSource(ip net.IP) string {
	switch {
	case ip == nil:
		return "unknown"
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	default:
		return "public"
	}
}
