package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"metapulse/internal/auth"
	"metapulse/internal/logging"
	"metapulse/internal/session"
)

// ============================================================================
// SIGNAL & MARKET HANDLERS
// ============================================================================

// handleSignals returns the signal history, newest first
func (s *Server) handleSignals(c *gin.Context) {
	dataResponse(c, s.deps.Store.List())
}

// handleLatestInsight returns the newest signal or null
func (s *Server) handleLatestInsight(c *gin.Context) {
	latest, ok := s.deps.Store.Latest()
	if !ok {
		dataResponse(c, nil)
		return
	}
	dataResponse(c, latest)
}

// handleMarket returns the market snapshot, fetching it first when empty
func (s *Server) handleMarket(c *gin.Context) {
	snap := s.deps.Store.Snapshot()
	if snap.IsEmpty() {
		if s.deps.Refresher == nil {
			errorResponse(c, http.StatusInternalServerError, "market_unavailable")
			return
		}
		fresh, err := s.deps.Refresher.RefreshMarket(c.Request.Context())
		if err != nil {
			logging.FromContext(c.Request.Context()).WithError(err).Warn("Lazy market fetch failed")
			errorResponse(c, http.StatusInternalServerError, "market_unavailable")
			return
		}
		snap = fresh
	}
	dataResponse(c, snap)
}

// handleMarketRefresh forces a market refresh
func (s *Server) handleMarketRefresh(c *gin.Context) {
	if s.deps.Refresher == nil {
		errorResponse(c, http.StatusInternalServerError, "market_unavailable")
		return
	}
	snap, err := s.deps.Refresher.RefreshMarket(c.Request.Context())
	if err != nil {
		logging.FromContext(c.Request.Context()).WithError(err).Warn("Market refresh failed")
		errorResponse(c, http.StatusInternalServerError, "market_unavailable")
		return
	}
	dataResponse(c, snap)
}

// handleStatus reports quotas, feed clients and the last generation cycle
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"feedClients": s.hub.ClientCount(),
		"signals":     len(s.deps.Store.List()),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	}

	if s.deps.Gateway != nil {
		status["quotas"] = s.deps.Gateway.Quotas()
	}
	if s.deps.Channels != nil {
		status["channels"] = s.deps.Channels.Channels()
	}
	if s.deps.Cycles != nil {
		status["stage"] = s.deps.Cycles.Stage()
		if last, ok := s.deps.Cycles.LastCycle(); ok {
			status["lastCycle"] = last
		} else {
			status["lastCycle"] = nil
		}
	}
	if s.deps.Upstream != nil {
		status["marketFeed"] = s.deps.Upstream.Stats()
	}
	if s.deps.Secrets != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), secretsCheckTimeout)
		defer cancel()
		if err := s.deps.Secrets.Health(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Secret store unhealthy")
			status["secrets"] = "unavailable"
		} else {
			status["secrets"] = "ok"
		}
	}

	dataResponse(c, status)
}

// handleHealth returns server liveness
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ============================================================================
// SESSION HANDLERS
// ============================================================================

type linkRequest struct {
	Code string `json:"code"`
}

// handleLinkTelegram redeems a bot link code for a web session
func (s *Server) handleLinkTelegram(c *gin.Context) {
	if !s.linkThrottle.Allow(c.ClientIP()) {
		errorResponse(c, http.StatusTooManyRequests, "too_many_requests")
		return
	}

	var req linkRequest
	_ = c.ShouldBindJSON(&req)
	if strings.TrimSpace(req.Code) == "" {
		errorResponse(c, http.StatusBadRequest, "code_required")
		return
	}

	link, err := s.deps.Linker.Link(req.Code)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrCodeRequired):
			errorResponse(c, http.StatusBadRequest, "code_required")
		case errors.Is(err, session.ErrCodeNotFound):
			errorResponse(c, http.StatusNotFound, "code_invalid")
		default:
			logging.FromContext(c.Request.Context()).WithError(err).Error("Session link failed")
			errorResponse(c, http.StatusInternalServerError, "link_failed")
		}
		return
	}

	s.setSessionCookie(c, link.Token.Token, int(s.config.SessionDuration/time.Second))

	dataResponse(c, gin.H{
		"profile":   link.Profile,
		"token":     link.Token.Token,
		"expiresAt": link.Token.ExpiresAt,
	})
}

// handleUnlink revokes the caller's session and clears the cookie
func (s *Server) handleUnlink(c *gin.Context) {
	s.deps.Linker.Revoke(auth.GetSessionID(c))
	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}

// handleMe returns the caller's session profile
func (s *Server) handleMe(c *gin.Context) {
	profile, err := s.deps.Linker.Profile(auth.GetSessionID(c))
	if err != nil {
		errorResponse(c, http.StatusUnauthorized, auth.ErrUnauthorized.Code)
		return
	}
	dataResponse(c, profile)
}

func (s *Server) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(s.config.CookieName, value, maxAge, "/", "", s.config.ProductionMode, true)
}
