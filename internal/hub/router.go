package hub

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/config"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return c.Query("token")
}

// AuthMiddleware resolves the bearer token and stores the user id on the
// request context.
func AuthMiddleware(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := h.Authenticate(bearerToken(c))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("user_id", uint(userID))
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, h *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("FacetimeSessions", store))

	api := r.Group("/api")

	api.POST("/login", func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username required"})
			return
		}
		user, token := h.Register(req.Username)
		sess := sessions.Default(c)
		sess.Set("user_id", uint(user.ID))
		_ = sess.Save()
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	})

	authed := api.Group("", AuthMiddleware(h))

	authed.GET("/users", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Users())
	})

	authed.POST("/calls", func(c *gin.Context) {
		var req struct {
			CalleeIDs []domain.UserID `json:"calleeIds"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || len(req.CalleeIDs) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "calleeIds required"})
			return
		}
		caller := domain.UserID(c.GetUint("user_id"))
		c.JSON(http.StatusCreated, h.CreateCall(caller, req.CalleeIDs))
	})

	api.GET("/ws", func(c *gin.Context) {
		userID, ok := h.Authenticate(bearerToken(c))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error().Err(err).Str("module", "hub").Msg("ws upgrade")
			return
		}
		if cfg.ReadLimit > 0 {
			ws.SetReadLimit(cfg.ReadLimit)
		}

		conn := newWSConn(ws)
		h.Attach(userID, conn)
		go conn.writePump(cfg.PingPeriod)
		go h.readPump(userID, conn)
	})

	return r
}
