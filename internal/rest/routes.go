package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Gateway is the unauthenticated gateway discovery response.
type Gateway struct {
	URL string `json:"url"`
}

// SessionStartLimit reports the identify budget for a bot token.
type SessionStartLimit struct {
	Total      int `json:"total"`
	Remaining  int `json:"remaining"`
	ResetAfter int `json:"reset_after"` // milliseconds
}

// GatewayBot is the authenticated gateway discovery response, including
// the recommended shard count.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// User is the subset of a user object the client needs.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

// Channel is the subset of a channel object the client needs.
type Channel struct {
	ID      string `json:"id"`
	Type    int    `json:"type"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Message is the subset of a message object the client needs.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    User   `json:"author"`
	Timestamp string `json:"timestamp,omitempty"`
}

// CreateMessageParams is the body for CreateMessage.
type CreateMessageParams struct {
	Content string `json:"content,omitempty"`
	TTS     bool   `json:"tts,omitempty"`
	Nonce   string `json:"nonce,omitempty"`
}

// EditMessageParams is the body for EditMessage.
type EditMessageParams struct {
	Content string `json:"content"`
}

// GetGateway returns the gateway URL. This route carries no authentication
// and no rate-limit metadata.
func (c *Client) GetGateway(ctx context.Context) (*Gateway, error) {
	var g Gateway
	if err := c.Do(ctx, http.MethodGet, "/gateway", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetGatewayBot returns the gateway URL plus the recommended shard count
// and the remaining identify budget.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var g GatewayBot
	if err := c.Do(ctx, http.MethodGet, "/gateway/bot", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetCurrentUser returns the user the token belongs to.
func (c *Client) GetCurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.Do(ctx, http.MethodGet, "/users/@me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetChannel fetches one channel.
func (c *Client) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	var ch Channel
	path := fmt.Sprintf("/channels/%s", channelID)
	if err := c.Do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// CreateMessage posts a message to a channel.
func (c *Client) CreateMessage(ctx context.Context, channelID string, params CreateMessageParams) (*Message, error) {
	var m Message
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := c.Do(ctx, http.MethodPost, path, params, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// EditMessage rewrites a message's content.
func (c *Client) EditMessage(ctx context.Context, channelID, messageID string, params EditMessageParams) (*Message, error) {
	var m Message
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.Do(ctx, http.MethodPatch, path, params, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage removes a message.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// CreateReaction adds the current user's reaction to a message. The emoji
// is URL-escaped into the path.
func (c *Client) CreateReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
		channelID, messageID, url.PathEscape(emoji))
	return c.Do(ctx, http.MethodPut, path, nil, nil)
}

// TriggerTyping fires the typing indicator in a channel.
func (c *Client) TriggerTyping(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s/typing", channelID)
	return c.Do(ctx, http.MethodPost, path, nil, nil)
}
