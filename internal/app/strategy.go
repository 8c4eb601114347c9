package app

import "github.com/mconf/bbb-webrtc-sfu/internal/errs"

// Strategies customize default floor/connection behaviors per entity.
const (
	StrategyFreewill  = "freewill"
	StrategyModerated = "moderated"
)

var knownStrategies = map[string]bool{
	StrategyFreewill:  true,
	StrategyModerated: true,
}

func validateStrategy(strategy string) error {
	if !knownStrategies[strategy] {
		return errs.ErrMediaInvalidOperation.WithMessage("unknown strategy %q", strategy)
	}
	return nil
}
