package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"moneymate/internal/registry"
)

// RatePoint is one stored observation of a currency.
type RatePoint struct {
	TakenAt   time.Time
	Code      string
	Rate      decimal.Decimal
	IsCrypto  bool
	Change24h *decimal.Decimal
	Source    string
}

// Quote converts the point back into a registry quote.
func (p RatePoint) Quote() registry.Quote {
	return registry.Quote{
		Code:      p.Code,
		Rate:      p.Rate,
		IsCrypto:  p.IsCrypto,
		Change24h: p.Change24h,
		Source:    p.Source,
		UpdatedAt: p.TakenAt,
	}
}

// PointsFromSnapshot flattens a snapshot into rows sharing its timestamp.
func PointsFromSnapshot(snap *registry.Snapshot) []RatePoint {
	if snap == nil {
		return nil
	}
	codes := snap.Codes()
	points := make([]RatePoint, 0, len(codes))
	for _, code := range codes {
		q, err := snap.Quote(code)
		if err != nil {
			continue
		}
		points = append(points, RatePoint{
			TakenAt:   snap.TakenAt,
			Code:      q.Code,
			Rate:      q.Rate,
			IsCrypto:  q.IsCrypto,
			Change24h: q.Change24h,
			Source:    q.Source,
		})
	}
	return points
}
