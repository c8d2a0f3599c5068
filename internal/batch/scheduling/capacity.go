package scheduling

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Capacity strategies: a fixed constant, or one of two HTTP strategies
// polling a load-reporting endpoint per host.
const (
	StrategyFixed      = "fixed"
	StrategyHTTPSimple = "http-simple"
	StrategyHTTPLoad   = "http-load"
)

type FixedCapacityProvider struct {
	capacity int
}

func NewFixedCapacityProvider(capacity int) *FixedCapacityProvider {
	return &FixedCapacityProvider{capacity: capacity}
}

func (p *FixedCapacityProvider) Capacity() (int, error) {
	return p.capacity, nil
}

const (
	capacityRequestTimeout = 2 * time.Second
	capacityCacheDuration  = 500 * time.Millisecond
	capacityCacheKey       = "capacity"
	capacityFetchAttempts  = 3
)

// HTTPCapacityProvider polls a load-reporting endpoint for the host it
// serves. Responses are cached for 500ms so the scheduler's acquire loop
// cannot hammer the endpoint, and fetches are retried a bounded number of
// times before falling back to the last known value.
type HTTPCapacityProvider struct {
	url      string
	strategy string
	client   *http.Client
	cache    *gocache.Cache
	group    singleflight.Group
	last     int
}

func NewHTTPCapacityProvider(url string, strategy string) *HTTPCapacityProvider {
	return &HTTPCapacityProvider{
		url:      url,
		strategy: strategy,
		client:   &http.Client{Timeout: capacityRequestTimeout},
		cache:    gocache.New(capacityCacheDuration, time.Minute),
		last:     1,
	}
}

func (p *HTTPCapacityProvider) Capacity() (int, error) {
	if cached, ok := p.cache.Get(capacityCacheKey); ok {
		return cached.(int), nil
	}

	// Concurrent acquire loops collapse into a single in-flight fetch.
	result, err, _ := p.group.Do(capacityCacheKey, func() (interface{}, error) {
		var capacity int
		err := retry.Do(
			func() error {
				fetched, err := p.fetch()
				if err != nil {
					return err
				}
				capacity = fetched
				return nil
			},
			retry.Attempts(capacityFetchAttempts),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			// Degrade to the last value the endpoint reported rather than
			// stalling the host.
			return p.last, errors.Wrapf(err, "error polling capacity endpoint %s", p.url)
		}

		p.last = capacity
		p.cache.Set(capacityCacheKey, capacity, capacityCacheDuration)
		return capacity, nil
	})
	return result.(int), err
}

type capacityResponse struct {
	AvailableCores int     `json:"available_cores"`
	Cores          int     `json:"cores"`
	RelativeLoad   float64 `json:"relative_load"`
}

func (p *HTTPCapacityProvider) fetch() (int, error) {
	response, err := p.client.Get(p.url)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return 0, errors.Errorf("capacity endpoint returned %d", response.StatusCode)
	}

	var payload capacityResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return 0, errors.WithStack(err)
	}

	switch p.strategy {
	case StrategyHTTPLoad:
		capacity := int(math.Floor(float64(payload.Cores) * (1 - payload.RelativeLoad)))
		return atLeastOne(capacity), nil
	default:
		return atLeastOne(payload.AvailableCores), nil
	}
}

func atLeastOne(capacity int) int {
	if capacity < 1 {
		return 1
	}
	return capacity
}
