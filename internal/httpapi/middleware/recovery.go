package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/datachat-io/datachat/internal/common"
)

// Recovery turns panics into the standard error envelope instead of a bare
// connection drop.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[recovery] panic: %v path=%s", r, c.Request.URL.Path)
				common.Fail(c, http.StatusInternalServerError, 50000, "internal error")
				c.Abort()
			}
		}()
		c.Next()
	}
}
