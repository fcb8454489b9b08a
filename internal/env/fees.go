package env

import "github.com/atlas-desktop/rl-trader/pkg/types"

// BrokerFees is one broker's commission schedule. Percentage values are in
// percent, not fractions; the environment converts on load.
type BrokerFees struct {
	FlatFee       float64
	PercentageFee float64
	MinFee        float64
	MaxFee        float64
	ExchangeFee   float64
	SpreadPercent float64
}

// brokerFeeTable mirrors the backend's broker profiles.
var brokerFeeTable = map[types.BrokerProfile]BrokerFees{
	types.BrokerDiscount: {
		FlatFee: 1.00, PercentageFee: 0.0, MinFee: 1.00, MaxFee: 1.00,
		ExchangeFee: 0.0, SpreadPercent: 0.10,
	},
	types.BrokerStandard: {
		FlatFee: 4.95, PercentageFee: 0.25, MinFee: 4.95, MaxFee: 59.00,
		ExchangeFee: 0.0, SpreadPercent: 0.15,
	},
	types.BrokerPremium: {
		FlatFee: 9.90, PercentageFee: 0.0, MinFee: 9.90, MaxFee: 9.90,
		ExchangeFee: 0.0, SpreadPercent: 0.05,
	},
	types.BrokerMarketMaker: {
		FlatFee: 0.0, PercentageFee: 0.0, MinFee: 0.0, MaxFee: 0.0,
		ExchangeFee: 0.0, SpreadPercent: 0.30,
	},
	types.BrokerFlatex: {
		FlatFee: 8.50, PercentageFee: 0.0, MinFee: 8.50, MaxFee: 8.50,
		ExchangeFee: 0.0, SpreadPercent: 0.05,
	},
	types.BrokerIngDiba: {
		FlatFee: 5.30, PercentageFee: 0.25, MinFee: 10.70, MaxFee: 75.50,
		ExchangeFee: 2.05, SpreadPercent: 0.05,
	},
}

// FeesFor returns the fee schedule for a broker profile, falling back to the
// standard profile for unknown values.
func FeesFor(profile types.BrokerProfile) BrokerFees {
	if fees, ok := brokerFeeTable[profile]; ok {
		return fees
	}
	return brokerFeeTable[types.BrokerStandard]
}
