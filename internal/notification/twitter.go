package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"metapulse/internal/logging"
	"metapulse/internal/ratelimit"
	"metapulse/internal/store"
)

const (
	// DefaultTweetEndpoint is the Twitter API v2 create-tweet endpoint
	DefaultTweetEndpoint = "https://api.twitter.com/2/tweets"

	maxTweetRunes = 280
	tweetCut      = 275
	tweetFooter   = "#MetaPulse #Solana"
)

// ErrEmptyPost is returned for blank post text
var ErrEmptyPost = errors.New("post text is empty")

// TwitterConfig holds the OAuth1 user-context credentials
type TwitterConfig struct {
	APIKey            string `json:"api_key"`
	APIKeySecret      string `json:"api_key_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
	Endpoint          string `json:"endpoint"`
}

// Complete reports whether all four credentials are present
func (c TwitterConfig) Complete() bool {
	return c.APIKey != "" && c.APIKeySecret != "" && c.AccessToken != "" && c.AccessTokenSecret != ""
}

// PostResult describes a published post
type PostResult struct {
	ID        string `json:"id"`
	Remaining int    `json:"remaining"`
}

// TwitterNotifier posts a brief of each signal, limited by the
// social-post quota of the gateway
type TwitterNotifier struct {
	client   *http.Client
	endpoint string
	gateway  *ratelimit.Gateway
	enabled  bool
	logger   *logging.Logger
}

// NewTwitterNotifier signs requests with OAuth1. Missing credentials leave
// the notifier disabled.
func NewTwitterNotifier(config TwitterConfig, gateway *ratelimit.Gateway, logger *logging.Logger) *TwitterNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("twitter")

	if !config.Complete() {
		logger.Warn("Twitter credentials missing, auto-posting disabled")
		return &TwitterNotifier{gateway: gateway, logger: logger}
	}

	oauthConfig := oauth1.NewConfig(config.APIKey, config.APIKeySecret)
	token := oauth1.NewToken(config.AccessToken, config.AccessTokenSecret)
	httpClient := oauthConfig.Client(context.Background(), token)
	httpClient.Timeout = 15 * time.Second

	return NewTwitterNotifierWithClient(httpClient, config.Endpoint, gateway, logger)
}

// NewTwitterNotifierWithClient uses an already authorized HTTP client
func NewTwitterNotifierWithClient(client *http.Client, endpoint string, gateway *ratelimit.Gateway, logger *logging.Logger) *TwitterNotifier {
	if endpoint == "" {
		endpoint = DefaultTweetEndpoint
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TwitterNotifier{
		client:   client,
		endpoint: endpoint,
		gateway:  gateway,
		enabled:  client != nil,
		logger:   logger,
	}
}

func (t *TwitterNotifier) Name() string {
	return "twitter"
}

func (t *TwitterNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TwitterNotifier) Send(ctx context.Context, signal store.Signal) error {
	if !t.enabled {
		return nil
	}
	res, err := t.Post(ctx, FormatTweet(signal))
	if err != nil {
		return err
	}
	t.logger.Info("Signal posted", "tweet_id", res.ID, "remaining_quota", res.Remaining)
	return nil
}

// Post publishes text under the social-post quota. A failed request
// refunds its quota point.
func (t *TwitterNotifier) Post(ctx context.Context, text string) (PostResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PostResult{}, ErrEmptyPost
	}

	res, err := ratelimit.Call(ctx, t.gateway, ratelimit.ResourceSocialPost, func(ctx context.Context) (string, error) {
		return t.createTweet(ctx, text)
	})
	if err != nil {
		return PostResult{}, err
	}
	return PostResult{ID: res.Value, Remaining: res.Remaining}, nil
}

type tweetResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

func (t *TwitterNotifier) createTweet(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("failed to marshal tweet: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send tweet: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed tweetResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		detail := parsed.Detail
		if detail == "" {
			detail = parsed.Title
		}
		return "", fmt.Errorf("twitter API returned status %d: %s", resp.StatusCode, detail)
	}
	return parsed.Data.ID, nil
}

// FormatTweet condenses a signal into a post of at most 280 characters
func FormatTweet(signal store.Signal) string {
	when := signal.Meta.GeneratedAt
	if when.IsZero() {
		when = signal.CreatedAt
	}
	if when.IsZero() {
		when = time.Now()
	}

	summary := strings.TrimSpace(signal.Summary)
	if summary == "" {
		summary = "Signal update available."
	}

	lines := []string{
		"MetaPulse Signal Brief — " + when.UTC().Format("Jan 2, 2006"),
		summary,
	}
	if len(signal.Insights) > 0 {
		top := signal.Insights[0]
		lines = append(lines, fmt.Sprintf("%s: %s", top.Symbol, top.Insight))
	}
	if risk := strings.TrimSpace(signal.Risk); risk != "" {
		lines = append(lines, "Risk: "+risk)
	}
	lines = append(lines, tweetFooter)

	kept := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, l)
		}
	}
	text := strings.Join(kept, "\n")

	runes := []rune(text)
	if len(runes) <= maxTweetRunes {
		return text
	}
	return string(runes[:tweetCut]) + "…"
}
