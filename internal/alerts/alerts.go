// Package alerts decides when a listing price crosses a watcher's target.
//
// An alert fires once per item while the price stays at or below the target;
// a price back above the target re-arms it. Sent marks live in storage so
// restarts do not re-send.
package alerts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"scrapewatch/internal/listing"
	logx "scrapewatch/pkg/logx"
)

const (
	TypeWatch   = "watch"
	TypeCar     = "car"
	TypeSneaker = "sneaker"
)

// MarkStore persists sent-alert marks.
type MarkStore interface {
	PutAlertMark(ctx context.Context, key string, at time.Time) error
	GetAlertMark(ctx context.Context, key string) (time.Time, bool, error)
	DeleteAlertMark(ctx context.Context, key string) error
}

// Alert is a triggered price alert ready for delivery.
type Alert struct {
	ItemType     string          `json:"item_type"`
	Item         listing.Listing `json:"item"`
	CurrentPrice float64         `json:"current_price"`
	TargetPrice  float64         `json:"target_price"`
	Message      string          `json:"message"`
}

type Service struct {
	store MarkStore
	log   logx.Logger
	now   func() time.Time
}

func New(store MarkStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

// ItemTypeForSource infers the item category from a source name.
func ItemTypeForSource(source string) string {
	s := strings.ToLower(source)
	switch {
	case strings.Contains(s, "autotrader"), strings.Contains(s, "car"):
		return TypeCar
	case strings.Contains(s, "stockx"), strings.Contains(s, "sneaker"):
		return TypeSneaker
	default:
		return TypeWatch
	}
}

func markKey(itemType, id string) string { return itemType + ":" + id }

// CheckPriceAlert returns an alert when price is at or below the item's
// target and no alert has been sent for it yet. It returns nil, nil when
// nothing should be sent.
func (s *Service) CheckPriceAlert(ctx context.Context, itemType string, item listing.Listing, price float64) (*Alert, error) {
	if price <= 0 || item.TargetPrice <= 0 || item.ID == "" {
		return nil, nil
	}
	key := markKey(itemType, item.ID)

	if price > item.TargetPrice {
		if _, ok, err := s.store.GetAlertMark(ctx, key); err == nil && ok {
			if err := s.store.DeleteAlertMark(ctx, key); err != nil {
				return nil, fmt.Errorf("reset alert %s: %w", key, err)
			}
			s.log.Info("alert re-armed", logx.String("key", key), logx.Float64("price", price))
		} else if err != nil {
			return nil, fmt.Errorf("read alert %s: %w", key, err)
		}
		return nil, nil
	}

	_, sent, err := s.store.GetAlertMark(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read alert %s: %w", key, err)
	}
	if sent {
		return nil, nil
	}
	if err := s.store.PutAlertMark(ctx, key, s.now()); err != nil {
		return nil, fmt.Errorf("mark alert %s: %w", key, err)
	}
	s.log.Info("alert triggered", logx.String("key", key), logx.Float64("price", price), logx.Float64("target", item.TargetPrice))

	return &Alert{
		ItemType:     itemType,
		Item:         item,
		CurrentPrice: price,
		TargetPrice:  item.TargetPrice,
		Message:      formatMessage(itemType, item, price),
	}, nil
}

func itemName(it listing.Listing) string {
	switch {
	case it.Title != "":
		return it.Title
	case it.Brand != "" && it.Model != "":
		return it.Brand + " " + it.Model
	default:
		return it.ID
	}
}

func formatMessage(itemType string, it listing.Listing, price float64) string {
	target := it.TargetPrice
	below := target - price
	pct := below / target * 100

	var b strings.Builder
	b.WriteString("🎯 *Price Alert!*\n\n")
	fmt.Fprintf(&b, "%s hit your target price!\n\n", itemName(it))
	fmt.Fprintf(&b, "💰 Current Price: $%s\n", money(price))
	fmt.Fprintf(&b, "🎯 Target Price: $%s\n", money(target))
	fmt.Fprintf(&b, "📉 Below target by: $%s (%.1f%%)\n\n", money(below), pct)
	fmt.Fprintf(&b, "Type: %s\n", strings.ToUpper(itemType[:1])+itemType[1:])
	fmt.Fprintf(&b, "ID: `%s`", it.ID)
	if it.URL != "" && it.URL != it.ID {
		fmt.Fprintf(&b, "\n%s", it.URL)
	}
	return b.String()
}

// money formats v with thousands separators and at most two decimals.
func money(v float64) string {
	neg := v < 0
	v = math.Abs(v)
	whole := int64(v)
	cents := int64(math.Round((v - float64(whole)) * 100))
	if cents == 100 {
		whole++
		cents = 0
	}

	digits := fmt.Sprintf("%d", whole)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if cents > 0 {
		fmt.Fprintf(&b, ".%02d", cents)
	}
	return b.String()
}
