package adapters

import (
	"context"
	"errors"

	"github.com/slack-go/slack"

	"github.com/autopr/autopr/internal/errkind"
)

// SlackChat posts through the Slack web API. Message refs are the Slack
// timestamps, which double as thread parents.
type SlackChat struct {
	client *slack.Client
}

func NewSlackChat(token string) *SlackChat {
	return &SlackChat{client: slack.New(token)}
}

func (s *SlackChat) PostMessage(ctx context.Context, channel, text string) (string, error) {
	_, ts, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return "", slackErr(err)
	}
	return ts, nil
}

func (s *SlackChat) PostThread(ctx context.Context, channel, parentRef, text string) (string, error) {
	_, ts, err := s.client.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(parentRef))
	if err != nil {
		return "", slackErr(err)
	}
	return ts, nil
}

func slackErr(err error) error {
	var rle *slack.RateLimitedError
	if errors.As(err, &rle) {
		return errkind.Wrap(errkind.RateLimited, err, "slack rate limited")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.KindOf(err), err, "slack call")
	}
	switch err.Error() {
	case "invalid_auth", "not_authed", "token_revoked", "account_inactive":
		return errkind.Wrap(errkind.AuthFailed, err, "slack auth")
	case "channel_not_found", "is_archived":
		return errkind.Wrap(errkind.InvalidInput, err, "slack channel")
	}
	return errkind.Wrap(errkind.Transport, err, "slack call")
}
