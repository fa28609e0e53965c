package alert

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/revguard/revguard/pkg/models"
)

// slackChannel posts an issue as a Block Kit message via the Slack Web
// API, using a single bot token shared across every org's workspace
// (cfg.Target is the destination channel ID, not a webhook URL).
type slackChannel struct {
	client *slack.Client
}

func newSlackChannel(botToken string) *slackChannel {
	if botToken == "" {
		return &slackChannel{}
	}
	return &slackChannel{client: slack.New(botToken)}
}

func (s *slackChannel) Send(ctx context.Context, cfg models.AlertConfig, issue *models.Issue) error {
	if s.client == nil {
		return fmt.Errorf("alert: slack channel has no bot token configured")
	}

	header := slack.NewTextBlockObject("mrkdwn",
		fmt.Sprintf("*[%s] %s*", severityLabel(issue.Severity), issue.Kind), false, false)
	summary := slack.NewTextBlockObject("mrkdwn", issue.Summary, false, false)

	_, _, err := s.client.PostMessageContext(ctx, cfg.Target,
		slack.MsgOptionBlocks(
			slack.NewSectionBlock(header, nil, nil),
			slack.NewSectionBlock(summary, nil, nil),
		),
		slack.MsgOptionText(issue.Summary, false),
	)
	if err != nil {
		return fmt.Errorf("alert: post slack message: %w", err)
	}
	return nil
}
