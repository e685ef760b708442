package notification

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"google.golang.org/api/option"

	"metapulse/internal/logging"
	"metapulse/internal/store"
)

// DefaultPushTopic is the FCM topic mobile clients subscribe to
const DefaultPushTopic = "metapulse_signals"

// Messenger is the part of the FCM client used for delivery
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushConfig holds Firebase Cloud Messaging settings
type PushConfig struct {
	CredentialsFile string `json:"credentials_file"`
	Topic           string `json:"topic"`
}

// PushNotifier sends a topic push for each signal
type PushNotifier struct {
	client Messenger
	topic  string
	logger *logging.Logger
}

// NewPushNotifier initializes Firebase from a service-account file. A
// missing file or init failure yields a disabled notifier.
func NewPushNotifier(ctx context.Context, config PushConfig, logger *logging.Logger) *PushNotifier {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("push")

	if config.CredentialsFile == "" {
		return &PushNotifier{logger: logger}
	}
	if _, err := os.Stat(config.CredentialsFile); err != nil {
		logger.Warn("FCM credentials not found, push disabled", "file", config.CredentialsFile)
		return &PushNotifier{logger: logger}
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(config.CredentialsFile))
	if err != nil {
		logger.WithError(err).Warn("FCM app init failed, push disabled")
		return &PushNotifier{logger: logger}
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		logger.WithError(err).Warn("FCM messaging client failed, push disabled")
		return &PushNotifier{logger: logger}
	}

	logger.Info("FCM push initialized", "topic", config.Topic)
	return NewPushNotifierWithClient(client, config.Topic, logger)
}

// NewPushNotifierWithClient wraps an existing messaging client
func NewPushNotifierWithClient(client Messenger, topic string, logger *logging.Logger) *PushNotifier {
	if topic == "" {
		topic = DefaultPushTopic
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PushNotifier{client: client, topic: topic, logger: logger}
}

func (p *PushNotifier) Name() string {
	return "push"
}

func (p *PushNotifier) IsEnabled() bool {
	return p.client != nil
}

func (p *PushNotifier) Send(ctx context.Context, signal store.Signal) error {
	if p.client == nil {
		return nil
	}

	message := BuildPushMessage(signal, p.topic)
	id, err := p.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}
	p.logger.Debug("Push sent", "message_id", id, "signal_id", signal.ID)
	return nil
}

// BuildPushMessage maps a signal onto an FCM topic message
func BuildPushMessage(signal store.Signal, topic string) *messaging.Message {
	body := signal.Summary
	if runes := []rune(body); len(runes) > 180 {
		body = string(runes[:177]) + "..."
	}

	data := map[string]string{
		"type":      "signal",
		"signal_id": signal.ID,
		"source":    signal.Source,
	}
	if len(signal.Insights) > 0 {
		data["top_symbol"] = signal.Insights[0].Symbol
		data["confidence"] = fmt.Sprintf("%.2f", signal.Insights[0].Confidence)
	}

	return &messaging.Message{
		Notification: &messaging.Notification{
			Title: "MetaPulse Signal Update",
			Body:  body,
		},
		Data:  data,
		Topic: topic,
	}
}
