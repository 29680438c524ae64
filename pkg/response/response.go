package response

import (
	"net/http"

	"coinledger/pkg/apperr"

	"github.com/gin-gonic/gin"
)

const CodeSuccess = "OK"

// Response 统一响应信封
// code 为机器可读的结果分类，调用方据此决定是否重试及如何重试
type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// kind -> HTTP 状态码
var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:          http.StatusBadRequest,
	apperr.KindUnauthorized:        http.StatusUnauthorized,
	apperr.KindForbidden:           http.StatusForbidden,
	apperr.KindNotFound:            http.StatusNotFound,
	apperr.KindInsufficientBalance: http.StatusConflict,
	apperr.KindConflict:            http.StatusConflict,
	apperr.KindChain:               http.StatusInternalServerError,
	apperr.KindSettlement:          http.StatusInternalServerError,
	apperr.KindInternal:            http.StatusInternalServerError,
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// FromError 按错误分类映射 HTTP 状态码并输出信封
func FromError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	c.JSON(status, Response{
		Code:    string(kind),
		Message: apperr.MessageOf(err),
	})
}

func ParamError(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    string(apperr.KindValidation),
		Message: message,
	})
}

func Unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
		Code:    string(apperr.KindUnauthorized),
		Message: message,
	})
}

func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Code:    string(apperr.KindForbidden),
		Message: message,
	})
}
