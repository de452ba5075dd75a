package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/slot-iocard/internal/utils"
)

// AuthMiddleware JWT认证中间件
type AuthMiddleware struct {
	manager *utils.JWTManager
}

// NewAuthMiddleware 创建认证中间件，manager 未配置密钥时放行所有请求
func NewAuthMiddleware(manager *utils.JWTManager) *AuthMiddleware {
	return &AuthMiddleware{
		manager: manager,
	}
}

// RequireAuth 需要认证的中间件
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return m.RequireRole()
}

// RequireRole 需要特定角色的中间件，roles 为空时任何有效令牌都可以
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.manager.Enabled() {
			c.Next()
			return
		}

		token := extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "NO_TOKEN",
				"message": "缺少认证令牌",
			})
			c.Abort()
			return
		}

		claims, err := m.manager.ValidateToken(token)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, utils.ErrExpiredToken) {
				code = "TOKEN_EXPIRED"
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    code,
				"message": "无效的令牌",
				"details": err.Error(),
			})
			c.Abort()
			return
		}

		if len(roles) > 0 && !containsRole(roles, claims.Role) {
			c.JSON(http.StatusForbidden, gin.H{
				"code":    "INSUFFICIENT_PERMISSION",
				"message": "权限不足",
			})
			c.Abort()
			return
		}

		c.Set("operator", claims.Operator)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) string {
	// 1. Authorization: Bearer
	bearerToken := c.GetHeader("Authorization")
	if bearerToken != "" {
		parts := strings.Split(bearerToken, " ")
		if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
			return parts[1]
		}
	}

	// 2. X-Access-Token
	if token := c.GetHeader("X-Access-Token"); token != "" {
		return token
	}

	// 3. Query参数，WebSocket 握手无法携带自定义头
	if token := c.Query("token"); token != "" {
		return token
	}

	return ""
}

// GetOperator 从上下文获取操作员名称
func GetOperator(c *gin.Context) (string, bool) {
	if operator, exists := c.Get("operator"); exists {
		if name, ok := operator.(string); ok {
			return name, true
		}
	}
	return "", false
}
