package response

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodDelete, "/embeddings/source/s1", nil)

	Count(c, "deleted", 3)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"deleted":3`)
}

func TestAsCodeErr(t *testing.T) {
	err := AsCodeErr(20000001, "bad input")
	require.EqualError(t, err, "bad input")
	ce, ok := err.(interface{ Code() uint32 })
	require.True(t, ok)
	require.EqualValues(t, 20000001, ce.Code())
}
