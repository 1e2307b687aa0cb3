package gateway

import (
	"encoding/json"
	"fmt"
)

const (
	androidPriorityHigh = "high"
	defaultSound        = "default"
	// DefaultChannelID is the android notification channel for emergency alerts.
	DefaultChannelID = "emergency_alerts"
)

// Message is the device-independent content of one push.
type Message struct {
	Title string
	Body  string
	Data  map[string]any
}

type sendRequest struct {
	Message envelope `json:"message"`
}

type envelope struct {
	Token        string            `json:"token"`
	Notification notificationBlock `json:"notification"`
	Data         map[string]string `json:"data"`
	Android      androidConfig     `json:"android"`
}

type notificationBlock struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type androidConfig struct {
	Priority     string              `json:"priority"`
	Notification androidNotification `json:"notification"`
}

type androidNotification struct {
	Sound     string `json:"sound"`
	ChannelID string `json:"channel_id"`
}

func newSendRequest(token string, msg Message, channelID string) sendRequest {
	return sendRequest{
		Message: envelope{
			Token: token,
			Notification: notificationBlock{
				Title: msg.Title,
				Body:  msg.Body,
			},
			Data: stringifyData(msg.Data),
			Android: androidConfig{
				Priority: androidPriorityHigh,
				Notification: androidNotification{
					Sound:     defaultSound,
					ChannelID: channelID,
				},
			},
		},
	}
}

// stringifyData flattens the payload into the string map the gateway requires.
// Strings pass through untouched; other values are JSON encoded.
func stringifyData(data map[string]any) map[string]string {
	out := make(map[string]string, len(data))
	for key, value := range data {
		switch v := value.(type) {
		case nil:
			out[key] = ""
		case string:
			out[key] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				out[key] = fmt.Sprint(v)
				continue
			}
			out[key] = string(encoded)
		}
	}
	return out
}
