package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"github.com/victornm/livequiz/internal/archive"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/game"
	"github.com/victornm/livequiz/internal/session"
)

const qrSize = 256

type LeaderboardReader interface {
	GetLeaderboard(ctx context.Context, code string) (*domain.Leaderboard, error)
}

type ResultsReader interface {
	ListResults(ctx context.Context, code string) ([]archive.Result, error)
}

type Config struct {
	Registry *session.Registry
	Hub      *Hub

	// Leaderboard and Archive are optional read models for sessions that are
	// no longer live.
	Leaderboard LeaderboardReader
	Archive     ResultsReader

	// JoinURL is the page players open to join; the QR code points to it with
	// the session code as the "code" query parameter.
	JoinURL string
}

// API serves the HTTP routes of the quiz server.
type API struct {
	registry    *session.Registry
	hub         *Hub
	leaderboard LeaderboardReader
	archive     ResultsReader
	joinURL     string
}

func New(c Config) *API {
	return &API{
		registry:    c.Registry,
		hub:         c.Hub,
		leaderboard: c.Leaderboard,
		archive:     c.Archive,
		joinURL:     c.JoinURL,
	}
}

func (a *API) Register(r gin.IRouter) {
	r.GET("/healthz", a.health)
	r.GET("/ws", gin.WrapH(a.hub))
	r.GET("/sessions", a.listSessions)
	r.GET("/sessions/:code/leaderboard", a.getLeaderboard)
	r.GET("/sessions/:code/results", a.listResults)
	r.GET("/sessions/:code/qr", a.getQR)
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sessions":    a.registry.Len(),
		"connections": a.hub.conns.Len(),
	})
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.registry.Sessions()})
}

// getLeaderboard answers from the live session, falling back to the Redis mirror
// once the session is gone.
func (a *API) getLeaderboard(c *gin.Context) {
	code := normalizeCode(c.Param("code"))

	var l domain.Leaderboard
	if s, err := a.registry.GetSession(code); err == nil {
		l = s.Leaderboard()
	} else if a.leaderboard != nil {
		mirrored, err := a.leaderboard.GetLeaderboard(c.Request.Context(), code)
		if err != nil {
			writeError(c, err)
			return
		}
		l = *mirrored
	} else {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":        code,
		"leaderboard": game.LeaderboardRows(l),
	})
}

func (a *API) listResults(c *gin.Context) {
	if a.archive == nil {
		writeError(c, errors.New(errors.CodeSessionNotFound, errors.WithMessagef("archive disabled")))
		return
	}

	code := normalizeCode(c.Param("code"))
	results, err := a.archive.ListResults(c.Request.Context(), code)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": code, "results": results})
}

// getQR renders a PNG QR code of the join link of a live session.
func (a *API) getQR(c *gin.Context) {
	code := normalizeCode(c.Param("code"))
	if _, err := a.registry.GetSession(code); err != nil {
		writeError(c, err)
		return
	}

	link, err := a.joinLink(code)
	if err != nil {
		writeError(c, errors.Internal(err))
		return
	}

	png, err := qrcode.Encode(link, qrcode.Medium, qrSize)
	if err != nil {
		writeError(c, errors.Internal(fmt.Errorf("encode qr: %w", err)))
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (a *API) joinLink(code string) (string, error) {
	u, err := url.Parse(a.joinURL)
	if err != nil {
		return "", fmt.Errorf("parse join url: %w", err)
	}

	q := u.Query()
	q.Set("code", code)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func writeError(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
