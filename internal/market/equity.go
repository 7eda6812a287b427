package market

// PopularEquities is a small static list merged into the Symbol
// Registry's popular() result, mirroring the original service's
// crypto-union-stock popular endpoint (spec.md §12 supplement)
// without pulling a live equities feed into the core.
func PopularEquities() []Symbol {
	return []Symbol{
		{Symbol: "AAPL", BaseAsset: "AAPL", QuoteAsset: "USD", Venue: VenueUnknown},
		{Symbol: "MSFT", BaseAsset: "MSFT", QuoteAsset: "USD", Venue: VenueUnknown},
		{Symbol: "TSLA", BaseAsset: "TSLA", QuoteAsset: "USD", Venue: VenueUnknown},
		{Symbol: "NVDA", BaseAsset: "NVDA", QuoteAsset: "USD", Venue: VenueUnknown},
	}
}
