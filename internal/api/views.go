package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"moneymate/internal/alerts"
	"moneymate/internal/conversion"
	"moneymate/internal/registry"
	"moneymate/internal/service"
)

type quoteView struct {
	Code         string           `json:"code"`
	Rate         decimal.Decimal  `json:"rate"`
	PreviousRate decimal.Decimal  `json:"previous_rate"`
	ChangePct    decimal.Decimal  `json:"change_pct"`
	Change24h    *decimal.Decimal `json:"change_24h,omitempty"`
	PriceInBase  string           `json:"price_in_base"`
	IsCrypto     bool             `json:"is_crypto"`
	Source       string           `json:"source,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type snapshotView struct {
	Base    string      `json:"base"`
	Seq     uint64      `json:"seq"`
	TakenAt time.Time   `json:"taken_at"`
	Quotes  []quoteView `json:"quotes"`
}

type conversionView struct {
	Amount    decimal.Decimal `json:"amount"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Converted decimal.Decimal `json:"converted"`
	Display   string          `json:"display"`
	Rate      decimal.Decimal `json:"rate"`
	AsOf      time.Time       `json:"as_of"`
}

type firingView struct {
	AlertID      uuid.UUID       `json:"alert_id"`
	CurrencyCode string          `json:"currency_code"`
	Kind         alerts.Kind     `json:"kind"`
	Threshold    decimal.Decimal `json:"threshold"`
	PreviousRate decimal.Decimal `json:"previous_rate"`
	CurrentRate  decimal.Decimal `json:"current_rate"`
	Title        string          `json:"title"`
	Message      string          `json:"message"`
	TriggeredAt  time.Time       `json:"triggered_at"`
}

type eventView struct {
	Type     string        `json:"type"`
	Snapshot *snapshotView `json:"snapshot,omitempty"`
	Fired    []firingView  `json:"fired,omitempty"`
}

var one = decimal.NewFromInt(1)

func newQuoteView(snap *registry.Snapshot, q registry.Quote) quoteView {
	v := quoteView{
		Code:         q.Code,
		Rate:         q.Rate,
		PreviousRate: q.Rate,
		Change24h:    q.Change24h,
		IsCrypto:     q.IsCrypto,
		Source:       q.Source,
		UpdatedAt:    q.UpdatedAt,
	}
	if prev, err := snap.Previous(q.Code); err == nil {
		v.PreviousRate = prev.Rate
		v.ChangePct = alerts.ChangePct(prev.Rate, q.Rate).Round(4)
	}
	if q.Rate.IsPositive() {
		v.PriceInBase = conversion.Format(one.DivRound(q.Rate, 16), q.IsCrypto)
	}
	return v
}

func newSnapshotView(snap *registry.Snapshot) *snapshotView {
	if snap == nil {
		return nil
	}
	view := &snapshotView{Base: snap.Base, Seq: snap.Seq, TakenAt: snap.TakenAt}
	for _, code := range snap.Codes() {
		q, err := snap.Quote(code)
		if err != nil {
			continue
		}
		view.Quotes = append(view.Quotes, newQuoteView(snap, q))
	}
	return view
}

func newConversionView(res conversion.Result, isCrypto bool) conversionView {
	return conversionView{
		Amount:    res.Amount,
		From:      res.From,
		To:        res.To,
		Converted: res.Converted,
		Display:   conversion.Format(res.Converted, isCrypto),
		Rate:      res.Rate,
		AsOf:      res.AsOf,
	}
}

func newEventView(res service.CycleResult) eventView {
	ev := eventView{Type: "refresh", Snapshot: newSnapshotView(res.Snapshot)}
	for _, f := range res.Fired {
		ev.Fired = append(ev.Fired, firingView{
			AlertID:      f.Alert.ID,
			CurrencyCode: f.Alert.CurrencyCode,
			Kind:         f.Alert.Kind,
			Threshold:    f.Alert.Threshold,
			PreviousRate: f.Previous,
			CurrentRate:  f.Current,
			Title:        f.Alert.Title,
			Message:      f.Alert.Message,
			TriggeredAt:  f.At,
		})
	}
	return ev
}
