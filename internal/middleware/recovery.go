package middleware

import (
	"net/http"
	"runtime/debug"

	apperrors "aistudio2api-go/internal/errors"
	"aistudio2api-go/internal/handlers/common"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Recovery 返回一个 panic 恢复中间件
func Recovery() gin.HandlerFunc {
	return RecoveryWithWriter(nil)
}

// RecoveryWithWriter 返回一个带自定义回调的 panic 恢复中间件
func RecoveryWithWriter(writer gin.RecoveryFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.WithFields(log.Fields{
					"error":      err,
					"stack":      string(debug.Stack()),
					"path":       c.Request.URL.Path,
					"method":     c.Request.Method,
					"client_ip":  c.ClientIP(),
					"user_agent": c.Request.UserAgent(),
				}).Error("Panic recovered")

				if writer != nil {
					writer(c, err)
				}
				// 响应已开始（例如流式输出）时只能中断
				if c.Writer.Written() {
					c.Abort()
					return
				}
				common.AbortWithAPIError(c, apperrors.New(http.StatusInternalServerError, "panic_recovered", "server_error", "Internal server error"))
			}
		}()

		c.Next()
	}
}
