package config

import "github.com/alanyoungcy/labtrader/internal/domain"

// Scope returns the experiment scope of the local prosumer.
func (c *Config) Scope() domain.ExperimentScope {
	return domain.ExperimentScope{
		DescriptionID: c.Experiment.DescriptionID,
		InstanceID:    c.Experiment.InstanceID,
		ProsumerID:    c.Experiment.ProsumerID,
	}
}

// MarketDesign converts the market section into its domain form.
func (c *Config) MarketDesign() domain.MarketDesign {
	m := c.Experiment.Market
	return domain.MarketDesign{
		BidClosure:      m.BidClosure,
		AskClosure:      m.AskClosure,
		TimeSliceLength: m.TimeSliceLength,
		MinBidSize:      m.MinBidSize,
		MinAskSize:      m.MinAskSize,
		MaxPrice:        m.MaxPrice,
		FeeAmount:       m.FeeAmount,
	}
}

// Calendar returns the mapping of trading windows onto ledger timeframes.
func (c *Config) Calendar() domain.TradingCalendar {
	return domain.TradingCalendar{
		FirstTradingWindow: c.Ledger.FirstTradingWindow,
		TimeScalingFactor:  c.Ledger.TimeScalingFactor,
	}
}

// Prosumers returns the participant directory entries.
func (c *Config) Prosumers() []domain.Prosumer {
	out := make([]domain.Prosumer, 0, len(c.Experiment.Prosumers))
	for _, p := range c.Experiment.Prosumers {
		out = append(out, domain.Prosumer{ID: p.ID, Name: p.Name})
	}
	return out
}
