package multisig

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

// RiskInput is what the scorer sees of a transfer.
type RiskInput struct {
	Amount    decimal.Decimal
	Purpose   treasury.TransactionPurpose
	ToAddress string
}

// RiskScorer rates a transfer from 0 to 100. The score is recorded for
// visibility only; the engine makes no decision on it.
type RiskScorer interface {
	Score(in RiskInput) int
}

var defaultAmountTiers = []config.AmountTier{
	{Below: decimal.NewFromInt(1_000), Score: 10},
	{Below: decimal.NewFromInt(10_000), Score: 25},
	{Below: decimal.NewFromInt(100_000), Score: 40},
}

const defaultTopScore = 55

var purposeWeights = map[treasury.TransactionPurpose]int{
	treasury.TxPurposeEmergency:   25,
	treasury.TxPurposeTransfer:    15,
	treasury.TxPurposePayout:      10,
	treasury.TxPurposeMaintenance: 10,
	treasury.TxPurposeRebalance:   5,
}

const (
	denylistWeight = 40
	burnWeight     = 20
)

// HeuristicScorer scores by amount tier, purpose and destination.
type HeuristicScorer struct {
	tiers    []config.AmountTier
	top      int
	denylist map[string]bool
}

var _ RiskScorer = (*HeuristicScorer)(nil)

// NewHeuristicScorer creates a scorer. Tiers must be in ascending order;
// amounts above every tier get the highest tier score. Nil tiers use the
// built-in table.
func NewHeuristicScorer(tiers []config.AmountTier, denylist []string) *HeuristicScorer {
	s := &HeuristicScorer{tiers: defaultAmountTiers, top: defaultTopScore, denylist: make(map[string]bool)}
	if len(tiers) > 0 {
		s.tiers = tiers
		s.top = 0
		for _, t := range tiers {
			if t.Score > s.top {
				s.top = t.Score
			}
		}
	}
	for _, addr := range denylist {
		if addr = strings.ToLower(strings.TrimSpace(addr)); addr != "" {
			s.denylist[addr] = true
		}
	}
	return s
}

// Score implements RiskScorer.
func (s *HeuristicScorer) Score(in RiskInput) int {
	score := s.top
	for _, t := range s.tiers {
		if in.Amount.LessThan(t.Below) {
			score = t.Score
			break
		}
	}
	score += purposeWeights[in.Purpose]

	to := strings.ToLower(strings.TrimSpace(in.ToAddress))
	if s.denylist[to] {
		score += denylistWeight
	}
	if isBurnAddress(to) {
		score += burnWeight
	}

	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

// isBurnAddress matches all-zero payloads and the common 0x...dead sink.
func isBurnAddress(addr string) bool {
	for _, prefix := range []string{"0x", "sim1"} {
		addr = strings.TrimPrefix(addr, prefix)
	}
	if addr == "" {
		return false
	}
	rest := strings.TrimLeft(addr, "0")
	return rest == "" || rest == "dead"
}
