package fetch

import (
	"net/url"
	"strings"

	"github.com/partlabs/eolwatch/internal/eol"
)

// vendor hosts that need an interactive scrape flow rather than the
// generic one. Matching is by host suffix so regional subdomains work.
var vendorHosts = map[string]eol.Strategy{
	"omron.com":              eol.StrategyOmron,
	"fa.omron.co.jp":         eol.StrategyOmron,
	"keyence.com":            eol.StrategyKeyence,
	"keyence.co.jp":          eol.StrategyKeyence,
	"mitsubishielectric.com": eol.StrategyMitsubishi,
	"mitsubishielectric.co.jp": eol.StrategyMitsubishi,
}

// SelectStrategy picks the dispatch strategy for a URL. Unknown hosts get
// the generic strategy.
func SelectStrategy(rawURL string) eol.Strategy {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return eol.StrategyGeneric
	}
	host := strings.ToLower(u.Hostname())
	for suffix, strategy := range vendorHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return strategy
		}
	}
	return eol.StrategyGeneric
}

// StrategyParams returns the strategy-specific request parameters for a
// task. The interactive vendor flows need the model number to type into
// the site's part-search box.
func StrategyParams(strategy eol.Strategy, subject eol.Subject) map[string]string {
	switch strategy {
	case eol.StrategyOmron, eol.StrategyKeyence, eol.StrategyMitsubishi:
		return map[string]string{"model": subject.Model}
	default:
		return nil
	}
}
