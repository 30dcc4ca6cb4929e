package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Seance/internal/app"
	"github.com/dkeye/Seance/internal/domain"
)

type Handlers struct {
	Session *app.Session
}

// writeError maps session errors onto HTTP statuses. Occupancy and consent
// rejections are terminal to the attempted action only, never the session.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, app.ErrSlotOccupied), errors.Is(err, app.ErrAlreadySeated), errors.Is(err, app.ErrConsentDecided):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrConsentRequired), errors.Is(err, app.ErrConsentDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, app.ErrNoSuchSlot), errors.Is(err, app.ErrNoSuchLink):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handlers) sessionState(c *gin.Context) {
	state, err := h.Session.State()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func slotParam(c *gin.Context) (domain.SlotID, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot id"})
		return 0, false
	}
	return domain.SlotID(id), true
}

func (h *Handlers) joinSlot(c *gin.Context) {
	id, ok := slotParam(c)
	if !ok {
		return
	}
	if err := h.Session.JoinSlot(id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"slot": id})
}

func (h *Handlers) leaveSlot(c *gin.Context) {
	if err := h.Session.LeaveSlot(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listTrackers(c *gin.Context) {
	state, err := h.Session.State()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state.Trackers)
}

type trackerRequest struct {
	Value int `json:"value"`
}

func (h *Handlers) setTracker(c *gin.Context) {
	var req trackerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid value"})
		return
	}
	id := c.Param("id")
	if err := h.Session.SetTracker(id, req.Value); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tracker": id, "value": req.Value})
}

func (h *Handlers) deleteTracker(c *gin.Context) {
	if err := h.Session.DeleteTracker(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type consentRequest struct {
	Granted bool `json:"granted"`
}

func (h *Handlers) decideConsent(c *gin.Context) {
	var req consentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid decision"})
		return
	}
	if err := h.Session.Decide(req.Granted); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": req.Granted})
}

func (h *Handlers) refreshPeer(c *gin.Context) {
	if err := h.Session.RefreshPeer(domain.UserID(c.Param("user"))); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handlers) refreshAllPeers(c *gin.Context) {
	if err := h.Session.RefreshAllPeers(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handlers) peerOffer(c *gin.Context) {
	offer, err := h.Session.PeerOffer(domain.UserID(c.Param("user")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, offer)
}

type sdpRequest struct {
	SDP string `json:"sdp"`
}

func (h *Handlers) peerAnswer(c *gin.Context) {
	var req sdpRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SDP == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid sdp"})
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: req.SDP}
	if err := h.Session.PeerAnswer(domain.UserID(c.Param("user")), answer); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type candidateRequest struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (h *Handlers) peerCandidate(c *gin.Context) {
	var req candidateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Candidate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid candidate"})
		return
	}
	ci := webrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	}
	if err := h.Session.PeerCandidate(domain.UserID(c.Param("user")), ci); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) startRecording(c *gin.Context) {
	if err := h.Session.StartRecording(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) startSpeech(c *gin.Context) {
	if err := h.Session.StartSpeechCapture(); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type markerRequest struct {
	Identifier string `json:"identifier"`
}

func (h *Handlers) createMarker(c *gin.Context) {
	var req markerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid identifier"})
		return
	}
	marker, err := h.Session.CreateMarker(c.Request.Context(), req.Identifier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, marker)
}
