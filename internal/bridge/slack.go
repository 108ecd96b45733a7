package bridge

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackPoster posts through the Slack Web API.
type SlackPoster struct {
	client *slack.Client
}

// NewSlackPoster creates a poster authenticated with a bot token.
func NewSlackPoster(token string, opts ...slack.Option) *SlackPoster {
	return &SlackPoster{client: slack.New(token, opts...)}
}

// PostMessage calls chat.postMessage and returns the message timestamp.
// A non-empty threadID posts as a reply in that thread.
func (p *SlackPoster) PostMessage(ctx context.Context, channelID, threadID, text string) (string, error) {
	options := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadID != "" {
		options = append(options, slack.MsgOptionTS(threadID))
	}
	_, ts, err := p.client.PostMessageContext(ctx, channelID, options...)
	if err != nil {
		return "", err
	}
	return ts, nil
}
