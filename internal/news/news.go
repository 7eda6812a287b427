// Package news aggregates a small set of crypto news RSS feeds behind
// a TTL cache, grounded on the source project's scanner cache idiom
// (mutex-guarded map, refreshed lazily on a TTL miss rather than on a
// background ticker).
package news

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Headline is one aggregated news item.
type Headline struct {
	Title     string
	Link      string
	Source    string
	Published time.Time
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title   string `xml:"title"`
			Link    string `xml:"link"`
			PubDate string `xml:"pubDate"`
		} `xml:"item"`
	} `xml:"channel"`
}

// Aggregator fetches and caches headlines from a fixed set of feeds.
type Aggregator struct {
	httpClient *http.Client
	feeds      map[string]string // source name -> feed URL
	ttl        time.Duration

	mu       sync.Mutex
	cached   []Headline
	cachedAt time.Time
}

// NewAggregator builds an Aggregator over the given source->URL feeds.
func NewAggregator(feeds map[string]string, ttl time.Duration) *Aggregator {
	return &Aggregator{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		feeds:      feeds,
		ttl:        ttl,
	}
}

// Headlines returns the cached headlines, refreshing from every feed
// first if the cache is older than the configured TTL.
func (a *Aggregator) Headlines(ctx context.Context) ([]Headline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if time.Since(a.cachedAt) < a.ttl && a.cached != nil {
		return a.cached, nil
	}

	var all []Headline
	for source, url := range a.feeds {
		items, err := a.fetchFeed(ctx, source, url)
		if err != nil {
			continue // one bad feed must not blank out the others
		}
		all = append(all, items...)
	}

	a.cached = all
	a.cachedAt = time.Now()
	return all, nil
}

func (a *Aggregator) fetchFeed(ctx context.Context, source, url string) ([]Headline, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("news: build request for %s: %w", source, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("news: fetch %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("news: %s returned status %d", source, resp.StatusCode)
	}

	var feed rssFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("news: decode %s: %w", source, err)
	}

	headlines := make([]Headline, 0, len(feed.Channel.Items))
	for _, item := range feed.Channel.Items {
		published, _ := time.Parse(time.RFC1123Z, item.PubDate)
		headlines = append(headlines, Headline{
			Title:     item.Title,
			Link:      item.Link,
			Source:    source,
			Published: published,
		})
	}
	return headlines, nil
}
