package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/breaker"
	"github.com/revguard/revguard/internal/gateway"
	"github.com/revguard/revguard/internal/retry"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/events"
	"github.com/revguard/revguard/pkg/models"
)

const (
	breakerMaxFailures        = 5
	breakerResetTimeout       = 30 * time.Second
	breakerHalfOpenMaxAttempt = 2
)

// Dispatcher fans a newly opened issue out to every alert channel its
// org has enabled at or above the issue's severity.
type Dispatcher struct {
	configs   storage.AlertConfigRepo
	webhook   Channel
	slack     Channel
	pagerduty Channel
	policy    retry.Policy
	breakers  *breaker.Registry
	logger    *zap.Logger
}

// New returns a Dispatcher. slackBotToken may be empty if no org has a
// Slack channel configured; the Slack channel then fails closed rather
// than panicking. breakers may be nil, in which case channel sends run
// unprotected.
func New(configs storage.AlertConfigRepo, slackBotToken string, policy retry.Policy, breakers *breaker.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		configs:   configs,
		webhook:   newWebhookChannel(),
		slack:     newSlackChannel(slackBotToken),
		pagerduty: newPagerDutyChannel(),
		policy:    policy,
		breakers:  breakers,
		logger:    logger,
	}
}

// Subscribe registers the dispatcher against bus's issue.opened topic,
// decoupling the detection engine from ever importing this package.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.EventIssueOpened, func(ctx context.Context, ev events.Event) error {
		issue, ok := ev.Payload["issue"].(*models.Issue)
		if !ok {
			return fmt.Errorf("alert: issue.opened event missing issue payload")
		}
		return d.Dispatch(ctx, issue)
	})
}

// Dispatch sends issue to every channel enabled for its org at or
// above its severity, each under the dispatch retry policy. Channels
// run concurrently; one channel's permanent failure is logged and
// never blocks or fails the others.
func (d *Dispatcher) Dispatch(ctx context.Context, issue *models.Issue) error {
	cfgs, err := d.configs.ListEnabled(ctx, issue.OrgID, issue.Severity)
	if err != nil {
		return fmt.Errorf("alert: list enabled configs: %w", err)
	}

	var wg sync.WaitGroup
	for _, cfg := range cfgs {
		cfg := cfg
		ch, err := d.channel(cfg.Channel)
		if err != nil {
			d.logger.Error("unknown alert channel", zap.String("channel", string(cfg.Channel)))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.policy.Do(ctx, func(ctx context.Context) error {
				if d.breakers == nil {
					return ch.Send(ctx, cfg, issue)
				}
				return d.breakers.Call(ctx, "alert:"+string(cfg.Channel), breakerMaxFailures, breakerResetTimeout, breakerHalfOpenMaxAttempt, func(ctx context.Context) error {
					return ch.Send(ctx, cfg, issue)
				})
			})
			if err != nil {
				d.logger.Error("alert delivery failed permanently",
					zap.String("channel", string(cfg.Channel)),
					zap.String("issue_id", issue.ID.String()),
					zap.Error(err))
				gateway.RecordAlertDispatch(string(cfg.Channel), "failed")
				return
			}
			gateway.RecordAlertDispatch(string(cfg.Channel), "delivered")
		}()
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) channel(c models.AlertChannel) (Channel, error) {
	switch c {
	case models.ChannelWebhook:
		return d.webhook, nil
	case models.ChannelSlack:
		return d.slack, nil
	case models.ChannelPagerDuty:
		return d.pagerduty, nil
	default:
		return nil, fmt.Errorf("alert: unknown channel %q", c)
	}
}
