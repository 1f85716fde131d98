package middleware

import (
	"net/http"

	"webllm-chat/session"

	"github.com/gin-gonic/gin"
)

// CurrentSessionAlias addresses the active session in place of an id.
const CurrentSessionAlias = "current"

// SessionIDKey is the context key the resolved session id is stored under.
const SessionIDKey = "sessionID"

// SessionMiddleware resolves the :id route parameter to a stored session
// and aborts with 404 when there is none.
func SessionMiddleware(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == CurrentSessionAlias {
			id = store.CurrentSession().ID
		}
		if _, ok := store.Get(id); !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		c.Set(SessionIDKey, id)
		c.Next()
	}
}

// SessionID returns the id resolved by SessionMiddleware.
func SessionID(c *gin.Context) string {
	return c.GetString(SessionIDKey)
}
