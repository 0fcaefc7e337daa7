package gmail

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/vipul43/kiwis-watch/internal/service"
)

// Gmail API quota units per call, see
// https://developers.google.com/gmail/api/reference/quota
const (
	quotaUnitsPerWatch       = 100
	quotaUnitsPerStop        = 50
	quotaUnitsPerHistoryList = 2

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

// Client is the provider gateway for Gmail: watch registration, stop, and
// history listing. It holds no per-connection state; callers pass the
// access token for each call.
type Client struct {
	clientID     string
	clientSecret string
	topicName    string // Pub/Sub topic watch notifications publish to
	limiter      *rate.Limiter
}

func NewClient(clientID, clientSecret, topicName string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		topicName:    topicName,
		limiter:      rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// service builds a Gmail service bound to the given access token
func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	token := &oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(oauth2.StaticTokenSource(token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// RegisterWatch registers (or re-registers) a mailbox watch. Gmail resets
// the expiration on every call, so renewal is the same operation as setup.
func (c *Client) RegisterWatch(ctx context.Context, accessToken string) (*service.WatchRegistration, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return nil, err
	}

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName:           c.topicName,
		LabelIds:            []string{"INBOX"},
		LabelFilterBehavior: "INCLUDE",
	}

	resp, err := svc.Users.Watch("me", req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	// Expiration is milliseconds since epoch
	expiresAt := time.UnixMilli(resp.Expiration)

	log.Printf("Gmail watch registered (historyId: %d, expires: %s)", resp.HistoryId, expiresAt)

	return &service.WatchRegistration{
		// Gmail issues no per-watch handle; the registration historyId
		// stands in as the opaque identifier.
		ResourceHandle: strconv.FormatUint(resp.HistoryId, 10),
		HistoryCursor:  resp.HistoryId,
		ExpiresAt:      expiresAt,
	}, nil
}

// StopWatchResource stops push notifications for the mailbox. Gmail stops
// the single watch per user, so the handle is accepted for the gateway
// contract but not sent upstream.
func (c *Client) StopWatchResource(ctx context.Context, accessToken string, resourceHandle string) error {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerStop); err != nil {
		return err
	}

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}

	log.Printf("Gmail watch stopped (handle: %s)", resourceHandle)
	return nil
}

// ListHistory lists message IDs added between fromCursor (exclusive) and
// toCursor (inclusive)
func (c *Client) ListHistory(ctx context.Context, accessToken string, fromCursor, toCursor uint64) ([]string, error) {
	if err := c.limiter.WaitN(ctx, quotaUnitsPerHistoryList); err != nil {
		return nil, err
	}

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	req := gmail.NewUsersHistoryService(svc).List("me").
		Context(ctx).
		HistoryTypes("messageAdded").
		StartHistoryId(fromCursor)

	var messageIDs []string
	err = req.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			if toCursor > 0 && h.Id > toCursor {
				continue
			}
			for _, added := range h.MessagesAdded {
				messageIDs = append(messageIDs, added.Message.Id)
			}
		}
		if page.NextPageToken != "" {
			return c.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}

	log.Printf("Gmail history %d..%d returned %d message IDs", fromCursor, toCursor, len(messageIDs))
	return messageIDs, nil
}

// RefreshAccessToken refreshes the OAuth2 access token
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	config := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token := &oauth2.Token{
		RefreshToken: refreshToken,
	}

	// Refresh the token
	tokenSource := config.TokenSource(ctx, token)
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken: newToken.AccessToken,
		ExpiresAt:   newToken.Expiry,
	}

	// Check if refresh token was rotated
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		result.RefreshToken = newToken.RefreshToken
	} else {
		result.RefreshToken = refreshToken // Keep the same refresh token
	}

	log.Printf("Token refreshed successfully, expires at: %s", result.ExpiresAt)

	return result, nil
}
