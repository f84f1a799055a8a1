package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"turbomail/backend/internal/config"
)

// SharedKeyAuth 共享密钥认证中间件。
// 所有业务路由携带同一把密钥，密钥由运行期配置提供，
// 管理端轮换后对后续请求立即生效。
type SharedKeyAuth struct {
	runtime *config.Runtime
	log     *zap.Logger
}

// NewSharedKeyAuth 创建共享密钥中间件。
func NewSharedKeyAuth(runtime *config.Runtime, log *zap.Logger) *SharedKeyAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &SharedKeyAuth{runtime: runtime, log: log}
}

// RequireKey 校验请求携带的共享密钥。
// 密钥从 key 查询参数或 X-API-Key 头获取，不匹配返回 403。
func (a *SharedKeyAuth) RequireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Query("key")
		if key == "" {
			key = c.GetHeader("X-API-Key")
		}

		expected := a.runtime.APIKey()
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			a.log.Warn("rejected request with invalid api key",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()))
			c.JSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "访问密钥无效",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
