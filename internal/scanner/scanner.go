// Package scanner evaluates spread profitability against the model's
// consistent market-data snapshot. It runs inside the model's decision phase,
// so all reads happen under the data-locked window.
package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/model"
	"github.com/psryland/coinflip-core/internal/notifier"
	"github.com/psryland/coinflip-core/internal/utils"
)

// Finding is one profitable round trip discovered by a scan.
type Finding struct {
	Pair       string
	Exchange   string
	VolumeIn   float64
	VolumeBack float64
	Profit     float64 // fraction of VolumeIn
	HoldID     uuid.UUID
}

// Scanner probes each trade pair with a fixed quote-currency volume, converts
// it to base and back, and reports round trips whose nett return beats
// MinProfit. Funds for a reported finding are held on the quote balance so
// concurrent findings cannot overcommit.
type Scanner struct {
	Journal     journal.Journaler
	Notifier    notifier.Notifier
	ProbeVolume float64 // quote currency units per probe
	MinProfit   float64 // e.g. 0.002 for 0.2%
}

func New(j journal.Journaler, n notifier.Notifier, probeVolume, minProfit float64) *Scanner {
	return &Scanner{
		Journal:     j,
		Notifier:    n,
		ProbeVolume: probeVolume,
		MinProfit:   minProfit,
	}
}

// Scan walks every pair in the model, must be called from the model's
// decision phase. Returns the profitable findings, funds held.
func (s *Scanner) Scan(ctx context.Context, m *model.Model) []Finding {
	log := utils.GetLogger()

	var findings []Finding
	for _, pair := range m.Pairs() {
		buy := pair.Convert(market.Q2B, s.ProbeVolume)
		if buy.VolumeNett <= 0 {
			continue
		}
		sell := pair.Convert(market.B2Q, buy.VolumeNett)
		if sell.VolumeNett <= 0 {
			continue
		}

		profit := (sell.VolumeNett - buy.VolumeIn) / buy.VolumeIn
		if profit < s.MinProfit {
			continue
		}

		bal := m.Balance(pair.Quote, pair.Exchange)
		if bal == nil {
			continue
		}
		hold, err := bal.Hold(buy.VolumeIn*(1+pair.Fee), nil)
		if err != nil {
			log.Printf("Scanner | Skipping %s: %v", pair.Name(), err)
			continue
		}

		if res := pair.Validate(buy, bal, &hold); !res.IsValid() {
			log.Printf("Scanner | %s probe failed validation: %s", pair.Name(), res)
			bal.Release(hold.ID)
			continue
		}

		f := Finding{
			Pair:       pair.Name(),
			Exchange:   pair.Exchange,
			VolumeIn:   buy.VolumeIn,
			VolumeBack: sell.VolumeNett,
			Profit:     profit,
			HoldID:     hold.ID,
		}
		findings = append(findings, f)
		s.record(ctx, f)
	}
	return findings
}

func (s *Scanner) record(ctx context.Context, f Finding) {
	log := utils.GetLogger()
	log.Printf("Scanner | Profitable round trip on %s (%s): in=%.8f back=%.8f profit=%.4f%%",
		f.Pair, f.Exchange, f.VolumeIn, f.VolumeBack, f.Profit*100)

	if s.Journal != nil {
		event := journal.Event{
			ID:          uuid.New(),
			Time:        time.Now().UTC(),
			Type:        "scanner_finding",
			Description: "profitable round trip",
			Data: map[string]any{
				"pair":        f.Pair,
				"exchange":    f.Exchange,
				"volume_in":   f.VolumeIn,
				"volume_back": f.VolumeBack,
				"profit":      f.Profit,
				"hold_id":     f.HoldID.String(),
			},
		}
		if err := s.Journal.LogEvent(ctx, event); err != nil {
			log.Printf("Scanner | Failed to journal finding: %v", err)
		}
	}
	if s.Notifier != nil {
		go s.Notifier.SendWithRetry("profitable round trip on " + f.Pair)
	}
}

// ReleaseAll releases the holds of previously reported findings, for callers
// that decided not to act on them. Must run in a window where balances are
// readable.
func (s *Scanner) ReleaseAll(m *model.Model, findings []Finding) {
	for _, f := range findings {
		pair := m.Pair(f.Pair, f.Exchange)
		if pair == nil {
			continue
		}
		if bal := m.Balance(pair.Quote, f.Exchange); bal != nil {
			bal.Release(f.HoldID)
		}
	}
}
