package api

import "parley/internal/models"

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID   int64  `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"user"`
}

func (r LoginResponse) Identity() models.Identity {
	return models.Identity{UserID: r.User.ID, Token: r.Token}
}

type ConversationRequest struct {
	PeerID int64 `json:"peer_id"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

// Paths served by the chat backend.
const (
	PathLogin         = "/api/auth/login"
	PathConversations = "/api/conversations"
	PathMessages      = "/api/messages"
	PathUpload        = "/api/upload"
	PathSocket        = "/ws"
)

func ConversationMessagesPath(conversationID int64) string {
	return PathConversations + "/" + itoa(conversationID) + "/messages"
}
