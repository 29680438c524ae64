package handler

import (
	"coinledger/internal/config"
	"coinledger/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 初始化路由
func SetupRouter(userService *service.UserService, transferService *service.TransferService, cfg *config.Config) *gin.Engine {
	r := gin.New()

	r.Use(LoggerMiddleware())
	r.Use(RecoveryMiddleware())
	r.Use(CORSMiddleware())

	userHandler := NewUserHandler(userService)
	transferHandler := NewTransferHandler(transferService)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// 开发/演示用身份源：真实部署时由外部身份系统替代
	r.POST("/auth/token", userHandler.IssueToken)

	v1 := r.Group("/api/v1")
	{
		user := v1.Group("/user")
		{
			user.POST("/register", userHandler.Register)
			user.GET("/info", userHandler.GetUserInfo)
		}

		v1.GET("/ranking", userHandler.GetRanking)
		v1.GET("/transactions", userHandler.ListTransactions)

		authed := v1.Group("")
		authed.Use(AuthMiddleware(cfg.Auth.JWTSecret))
		{
			authed.POST("/transfer", transferHandler.Transfer)
		}
	}

	return r
}
