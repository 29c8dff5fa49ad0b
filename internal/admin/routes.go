package admin

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/uastack/internal/auth"
	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func (a *Admin) registerRoutes() {
	r := a.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"service": a.ID,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ready", func(c *gin.Context) {
		ready := a.channels != nil
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":         ready,
			"connections":   a.connectionCount(),
			"open_channels": a.openChannels(),
			"service":       a.ID,
			"version":       Version,
		})
	})

	r.GET("/channels", func(c *gin.Context) {
		list := a.listChannels(c.Query("state"))
		c.JSON(http.StatusOK, gin.H{
			"channels": list,
			"count":    len(list),
		})
	})

	r.GET("/channels/:id", func(c *gin.Context) {
		ch, ok := a.lookup(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, ch.Info())
	})

	r.POST("/channels/:id/close", auth.RequireBearer(a.operator), func(c *gin.Context) {
		ch, ok := a.lookup(c)
		if !ok {
			return
		}
		// The owning connection reports the failure on the channel's next chunk.
		failed := ch.Fail(ua.NewStatusError(ua.ErrChannelClosed, ua.StatusBadSecureChannelClosed, "closed by operator"))
		log.Info().Uint32("channel_id", ch.ID()).Bool("failed", failed).Msg("admin.Admin.closeChannel")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channel": ch.Info()})
	})
}

func (a *Admin) lookup(c *gin.Context) (*channel.SecureChannel, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel id"})
		return nil, false
	}
	if a.channels == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no channel registry"})
		return nil, false
	}
	ch, ok := a.channels.Lookup(uint32(id))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
		return nil, false
	}
	return ch, true
}

func (a *Admin) listChannels(state string) []channel.Info {
	if a.channels == nil {
		return []channel.Info{}
	}
	all := a.channels.Snapshot()
	out := make([]channel.Info, 0, len(all))
	for _, info := range all {
		if state != "" && !strings.EqualFold(info.State, state) {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

func (a *Admin) openChannels() int {
	if a.channels == nil {
		return 0
	}
	return a.channels.CountOpen()
}

func (a *Admin) connectionCount() int {
	if a.connections == nil {
		return 0
	}
	return a.connections()
}
