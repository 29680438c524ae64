package handler

import (
	"strconv"

	"coinledger/internal/service"
	"coinledger/pkg/response"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	userService *service.UserService
}

func NewUserHandler(userService *service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 注册请求
type RegisterRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Username string `json:"username" binding:"required"`
}

// Register 注册用户
// POST /api/v1/user/register
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req.UserID, req.Username)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"userId":  user.UserID,
		"name":    user.Name,
		"balance": user.Balance,
	})
}

// GetUserInfo 查询用户信息及排行榜
// GET /api/v1/user/info?userId=xxx
func (h *UserHandler) GetUserInfo(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.ParamError(c, "userId 不能为空")
		return
	}

	info, err := h.userService.GetUserInfo(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, info)
}

// GetRanking 查询排行榜
// GET /api/v1/ranking?limit=10
func (h *UserHandler) GetRanking(c *gin.Context) {
	ranking, err := h.userService.GetRanking(c.Request.Context(), queryInt(c, "limit", 0))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"allUsers": ranking})
}

// ListTransactions 查询转账历史
// GET /api/v1/transactions?userId=xxx&page=1&pageSize=20
func (h *UserHandler) ListTransactions(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		response.ParamError(c, "userId 不能为空")
		return
	}

	page := queryInt(c, "page", 1)
	pageSize := queryInt(c, "pageSize", 20)

	transfers, total, err := h.userService.ListHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transactions": transfers,
		"total":        total,
		"page":         page,
		"pageSize":     pageSize,
	})
}

// TokenRequest 签发令牌请求
type TokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// IssueToken 为已注册用户签发访问令牌（开发/演示用身份源）
// POST /auth/token
func (h *UserHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	token, err := h.userService.IssueToken(c.Request.Context(), req.UserID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, gin.H{"token": token})
}

type TransferHandler struct {
	transferService *service.TransferService
}

func NewTransferHandler(transferService *service.TransferService) *TransferHandler {
	return &TransferHandler{transferService: transferService}
}

// TransferRequest 转账请求
type TransferRequest struct {
	SenderID    string `json:"senderId" binding:"required"`
	RecipientID string `json:"recipientId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	RequestID   string `json:"requestId"`
}

// Transfer 执行转账
// POST /api/v1/transfer
//
// senderId 必须与令牌主体一致：身份网关只证明"你是谁"，
// 这里校验"你只能花自己的钱"。
func (h *TransferHandler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	authUserID := c.GetString(ctxKeyAuthUserID)
	if authUserID == "" {
		response.Unauthorized(c, "缺少认证信息")
		return
	}
	if req.SenderID != authUserID {
		response.Forbidden(c, "只能从本人账户发起转账")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = c.GetHeader("X-Request-ID")
	}

	result, err := h.transferService.Transfer(c.Request.Context(), &service.TransferRequest{
		RequestID:   requestID,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Amount:      req.Amount,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	message := "转账成功"
	if result.Replayed {
		message = "转账已完成（重复请求）"
	}
	response.Success(c, gin.H{
		"message":              message,
		"transferNo":           result.TransferNo,
		"transactionReference": result.ChainRef,
		"newSenderBalance":     result.NewSenderBalance,
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
