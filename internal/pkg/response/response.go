// Package response wraps proxyutil's JSON envelope for the embedding API:
// handlers reply with Success/Error and the count-style maintenance endpoints
// (deletes, dead-letter retry/clear) share the Count shape.
package response

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"
)

type codeErr struct {
	code uint32
	msg  string
}

func (e codeErr) Error() string {
	return e.msg
}

func (e codeErr) Code() uint32 {
	return e.code
}

func AsCodeErr(code uint32, msg string) error {
	return codeErr{code: code, msg: msg}
}

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, 200, AsCodeErr(uint32(code), message))
}

// Count replies with a single named counter, e.g. {"deleted": 3}. Used by the
// delete and dead-letter maintenance endpoints so they all share one shape.
func Count(c *gin.Context, key string, n int64) {
	Success(c, gin.H{key: n})
}
