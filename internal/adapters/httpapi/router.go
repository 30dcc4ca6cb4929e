// Package httpapi is the local control surface: the web UI drives session
// intents through it and reads state projections back.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Seance/internal/app"
	"github.com/dkeye/Seance/internal/config"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, sess *app.Session) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.httpapi").Str("static", cfg.StaticPath).Msg("router setup")

	h := &Handlers{Session: sess}
	api := r.Group("/api")

	api.GET("/session", h.sessionState)

	api.POST("/slots/:id/join", h.joinSlot)
	api.POST("/slots/leave", h.leaveSlot)

	api.GET("/trackers", h.listTrackers)
	api.PUT("/trackers/:id", h.setTracker)
	api.DELETE("/trackers/:id", h.deleteTracker)

	api.POST("/consent", h.decideConsent)

	api.POST("/peers/refresh", h.refreshAllPeers)
	api.POST("/peers/:user/refresh", h.refreshPeer)
	api.GET("/peers/:user/offer", h.peerOffer)
	api.POST("/peers/:user/answer", h.peerAnswer)
	api.POST("/peers/:user/candidate", h.peerCandidate)

	api.POST("/capture/recording", h.startRecording)
	api.POST("/capture/speech", h.startSpeech)
	api.POST("/markers", h.createMarker)

	return r
}
