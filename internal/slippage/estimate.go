package slippage

import (
	"github.com/goshtasb/xorj-landing-sub001/internal/pricefeed"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
	ten     = decimal.NewFromInt(10)

	// Price impact bands on trade value / liquidity depth.
	depthBand1 = decimal.RequireFromString("0.01")
	depthBand2 = decimal.RequireFromString("0.05")
	depthBand3 = decimal.RequireFromString("0.10")

	// Market impact bands on trade value / 24h volume.
	volumeBand1 = decimal.RequireFromString("0.001")
	volumeBand2 = decimal.RequireFromString("0.01")

	noDepthImpact     = decimal.NewFromInt(10)
	noVolumeImpact    = decimal.NewFromInt(5)
	maxMarketImpact   = decimal.NewFromInt(50)
	riskLowCeiling    = decimal.RequireFromString("0.1")
	riskModCeiling    = decimal.RequireFromString("0.5")
	riskHighCeiling   = decimal.NewFromInt(2)
	worstCasePercent  = decimal.NewFromInt(100)
	multHalf          = decimal.RequireFromString("0.5")
	multSteep         = decimal.NewFromInt(5)
	multVolumeLow     = decimal.NewFromInt(10)
	multVolumeMid     = decimal.NewFromInt(50)
	multVolumeHigh    = decimal.NewFromInt(200)
	slippagePrecision = int32(8)
)

// Estimate is the slippage breakdown for one trade.
type Estimate struct {
	TradeUSD         decimal.Decimal
	PriceImpact      decimal.Decimal
	SpreadImpact     decimal.Decimal
	VolatilityImpact decimal.Decimal
	SlippagePercent  decimal.Decimal
	ExpectedPrice    decimal.Decimal
}

// EstimateSlippage prices a swap of amount tokens against md. Price impact
// grows non-linearly with the trade's share of liquidity depth; half the
// spread and a hundredth of 24h volatility are added on top.
func EstimateSlippage(amount decimal.Decimal, md pricefeed.MarketData) Estimate {
	tradeUSD := amount.Mul(md.Price)

	var impact decimal.Decimal
	if md.LiquidityDepth.IsPositive() {
		ratio := tradeUSD.Div(md.LiquidityDepth)
		switch {
		case ratio.LessThanOrEqual(depthBand1):
			impact = ratio.Mul(multHalf)
		case ratio.LessThanOrEqual(depthBand2):
			impact = ratio
		case ratio.LessThanOrEqual(depthBand3):
			impact = ratio.Mul(two)
		default:
			impact = ratio.Mul(multSteep)
		}
	} else {
		impact = noDepthImpact
	}

	spread := md.Spread().Div(two)
	vol := md.Volatility24h.Div(hundred)
	slip := impact.Add(spread).Add(vol).Round(slippagePrecision)

	return Estimate{
		TradeUSD:         tradeUSD,
		PriceImpact:      impact,
		SpreadImpact:     spread,
		VolatilityImpact: vol,
		SlippagePercent:  slip,
		ExpectedPrice:    md.Price.Mul(decimal.NewFromInt(1).Sub(slip.Div(hundred))),
	}
}

// MarketImpact returns the trade's impact as a percent of 24h volume, capped
// at 50.
func MarketImpact(tradeUSD, volume24h decimal.Decimal) decimal.Decimal {
	if !volume24h.IsPositive() {
		return noVolumeImpact
	}
	ratio := tradeUSD.Div(volume24h)
	var impact decimal.Decimal
	switch {
	case ratio.LessThanOrEqual(volumeBand1):
		impact = ratio.Mul(multVolumeLow)
	case ratio.LessThanOrEqual(volumeBand2):
		impact = ratio.Mul(multVolumeMid)
	default:
		impact = ratio.Mul(multVolumeHigh)
	}
	return decimal.Min(impact, maxMarketImpact)
}

// AssessRisk classifies the highest of slippage, market impact and
// volatility/10.
func AssessRisk(slippage, marketImpact, volatility decimal.Decimal) RiskLevel {
	worst := decimal.Max(slippage, marketImpact, volatility.Div(ten))
	switch {
	case worst.LessThanOrEqual(riskLowCeiling):
		return RiskLow
	case worst.LessThanOrEqual(riskModCeiling):
		return RiskModerate
	case worst.LessThanOrEqual(riskHighCeiling):
		return RiskHigh
	default:
		return RiskExtreme
	}
}
