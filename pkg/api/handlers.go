package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MailboxResponse describes one user's mailbox
type MailboxResponse struct {
	UserID uint64 `json:"user_id"`
	Online bool   `json:"online"`
	Frames int    `json:"frames"`
}

// UsersResponse lists users with a live registration
type UsersResponse struct {
	Count int      `json:"count"`
	Users []uint64 `json:"users"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// handleStats handles GET /api/v1/relay/stats
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    s.relay.GetStats(),
	})
}

// handleUsers handles GET /api/v1/relay/users
func (s *Server) handleUsers(c *gin.Context) {
	users := s.broker.Users()
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    UsersResponse{Count: len(users), Users: users},
	})
}

// handleMailbox handles GET /api/v1/relay/mailbox/:userID
func (s *Server) handleMailbox(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Param("userID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid user id",
			Message: err.Error(),
		})
		return
	}

	frames, err := s.broker.MailboxCount(userID)
	if err != nil {
		s.logger.Error("mailbox count failed", zap.Uint64("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Mailbox unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data: MailboxResponse{
			UserID: userID,
			Online: s.broker.IsOnline(userID),
			Frames: frames,
		},
	})
}
