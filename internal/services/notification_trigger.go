// Package services – NotificationTrigger
//
// NotificationTrigger reacts to transaction writes. When a write adds a
// shared group to a transaction, every other member of that group is sent a
// Web Push notification pointing at the group. Dispatch is limited to one per
// (group, actor) per window; extra triggers inside the window are dropped.
// Subscriptions the push service reports as gone are deleted, one endpoint
// at a time. Delivery failures never propagate to the writer.
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/observability"
	"github.com/tbourn/group-sync/internal/push"
	"github.com/tbourn/group-sync/internal/ratelimit"
)

const (
	// DefaultNotifyWindow is the per (group, actor) dispatch window.
	DefaultNotifyWindow = 60 * time.Second
	// maxParallelSends bounds concurrent deliveries per dispatch.
	maxParallelSends = 8
)

// NotificationReport is the outcome of one group's dispatch.
type NotificationReport struct {
	GroupID     string `json:"group_id"`
	RateLimited bool   `json:"rate_limited"`
	Recipients  int    `json:"recipients"`
	Sent        int    `json:"sent"`
	Gone        int    `json:"gone"`
	Failed      int    `json:"failed"`
}

// NotificationTrigger dispatches push notifications for newly shared transactions.
type NotificationTrigger struct {
	Groups  GroupDirectory
	Subs    SubscriptionStore
	Sender  push.Sender
	Limiter *ratelimit.Keyed

	// BaseURL prefixes the group link in the payload; empty keeps it relative.
	BaseURL string
	Icon    string
	// Locale formats amounts in the notification body.
	Locale language.Tag
	Now    func() time.Time
}

// NewNotificationTrigger wires a trigger with a window limiter.
func NewNotificationTrigger(groups GroupDirectory, subs SubscriptionStore, sender push.Sender, window time.Duration) *NotificationTrigger {
	if window <= 0 {
		window = DefaultNotifyWindow
	}
	return &NotificationTrigger{
		Groups:  groups,
		Subs:    subs,
		Sender:  sender,
		Limiter: ratelimit.NewWindow(window),
		Locale:  language.English,
		Now:     time.Now,
	}
}

func (n *NotificationTrigger) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

// AddedGroups returns group ids present in after but not in before, in
// after's order. A nil before means every group is new.
func AddedGroups(before, after *domain.Transaction) []string {
	if after == nil || after.DeletedAt != nil {
		return nil
	}
	prev := map[string]struct{}{}
	if before != nil {
		for _, g := range before.SharedGroupIDs {
			prev[g] = struct{}{}
		}
	}
	var out []string
	for _, g := range after.SharedGroupIDs {
		if _, ok := prev[g]; ok {
			continue
		}
		prev[g] = struct{}{}
		out = append(out, g)
	}
	return out
}

// OnTransactionWritten notifies the other members of every group newly added
// to the transaction. The returned error only reports groups that could not
// be resolved; per-subscription failures are counted in the reports.
func (n *NotificationTrigger) OnTransactionWritten(ctx context.Context, actorID string, before, after *domain.Transaction) ([]NotificationReport, error) {
	added := AddedGroups(before, after)
	if len(added) == 0 {
		return nil, nil
	}

	tr := otel.Tracer("services/NotificationTrigger")
	ctx, span := tr.Start(ctx, "OnTransactionWritten",
		trace.WithAttributes(
			attribute.String("transaction.id", after.ID),
			attribute.Int("groups.added", len(added)),
		),
	)
	defer span.End()

	lg := zerolog.Ctx(ctx)
	var reports []NotificationReport
	var errs []error
	for _, groupID := range added {
		if !n.Limiter.Allow(groupID + "|" + actorID) {
			observability.Notifications.WithLabelValues("rate_limited").Inc()
			lg.Debug().Str("group_id", groupID).Str("actor_id", actorID).Msg("notification dropped by rate limit")
			reports = append(reports, NotificationReport{GroupID: groupID, RateLimited: true})
			continue
		}
		rep, err := n.dispatch(ctx, actorID, groupID, after)
		if err != nil {
			lg.Warn().Err(err).Str("group_id", groupID).Msg("notification dispatch failed")
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

func (n *NotificationTrigger) dispatch(ctx context.Context, actorID, groupID string, t *domain.Transaction) (NotificationReport, error) {
	rep := NotificationReport{GroupID: groupID}

	grp, err := n.Groups.GetGroup(ctx, groupID)
	if err != nil {
		return rep, err
	}
	var recipients []string
	for _, m := range grp.MemberIDs() {
		if m != actorID {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return rep, nil
	}
	subs, err := n.Subs.ListForUsers(ctx, recipients)
	if err != nil {
		return rep, err
	}
	rep.Recipients = len(subs)
	payload := n.payload(actorID, grp, t)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxParallelSends)
	for _, sub := range subs {
		g.Go(func() error {
			result := n.deliver(ctx, sub, payload)
			observability.Notifications.WithLabelValues(result).Inc()
			mu.Lock()
			defer mu.Unlock()
			switch result {
			case "sent":
				rep.Sent++
			case "gone":
				rep.Gone++
			default:
				rep.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep, nil
}

// deliver sends to one subscription and maintains it based on the response.
func (n *NotificationTrigger) deliver(ctx context.Context, sub domain.PushSubscription, p push.Payload) string {
	lg := zerolog.Ctx(ctx)
	err := n.Sender.Send(ctx, push.Target{Endpoint: sub.Endpoint, P256dh: sub.P256dh, Auth: sub.Auth}, p)
	switch {
	case err == nil:
		if terr := n.Subs.Touch(ctx, sub.ID, n.now()); terr != nil {
			lg.Warn().Err(terr).Str("subscription_id", sub.ID).Msg("touch subscription")
		}
		return "sent"
	case errors.Is(err, push.ErrGone):
		if derr := n.Subs.DeleteByEndpoint(ctx, sub.Endpoint); derr != nil {
			lg.Warn().Err(derr).Str("subscription_id", sub.ID).Msg("delete gone subscription")
		}
		return "gone"
	default:
		lg.Warn().Err(err).Str("subscription_id", sub.ID).Str("user_id", sub.UserID).Msg("push delivery failed")
		return "failed"
	}
}

func (n *NotificationTrigger) payload(actorID string, grp *domain.SharedGroup, t *domain.Transaction) push.Payload {
	p := message.NewPrinter(n.Locale)
	amount := formatAmount(p, t.Total)
	body := p.Sprintf("%s added %s %s at %s", actorID, amount, t.Currency, t.Merchant)
	if t.Currency == "" {
		body = p.Sprintf("%s added %s at %s", actorID, amount, t.Merchant)
	}
	link := "/groups/" + grp.ID
	return push.Payload{
		Title: grp.Name,
		Body:  body,
		Icon:  n.Icon,
		Data: push.Data{
			GroupID:       grp.ID,
			TransactionID: t.ID,
			URL:           n.BaseURL + link,
		},
	}
}

// formatAmount renders d rounded to cents with the printer's digit grouping
// and decimal separator. The whole and fractional parts are formatted as
// integers, so no digit is lost to floating point.
func formatAmount(p *message.Printer, d decimal.Decimal) string {
	d = d.Round(2)
	abs := d.Abs()
	whole := abs.Truncate(0)
	if !whole.Equal(decimal.NewFromInt(whole.IntPart())) {
		return d.StringFixed(2)
	}
	cents := abs.Sub(whole).Shift(2).IntPart()

	out := p.Sprint(number.Decimal(whole.IntPart())) +
		decimalSeparator(p) +
		p.Sprint(number.Decimal(cents, number.MinIntegerDigits(2)))
	if d.IsNegative() {
		out = "-" + out
	}
	return out
}

// decimalSeparator returns the locale's decimal mark, read off a formatted 0.5.
func decimalSeparator(p *message.Printer) string {
	r := []rune(p.Sprint(number.Decimal(0.5, number.Scale(1))))
	if len(r) < 3 {
		return "."
	}
	return string(r[1 : len(r)-1])
}
