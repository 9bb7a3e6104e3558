package breaker

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"time"
)

// Client wraps http.Client with a circuit breaker and exponential backoff
// with jitter. Dependency clients use one Client per dependency name so
// breaker state stays isolated.
type Client struct {
	client     *http.Client
	breaker    *Breaker
	maxRetries int
}

// NewClient creates a resilient client for the breaker's dependency.
func NewClient(breaker *Breaker) *Client {
	return &Client{
		client:     &http.Client{Timeout: 30 * time.Second},
		breaker:    breaker,
		maxRetries: 3,
	}
}

// Do executes the request, failing fast with ErrOpen while the breaker is
// rejecting calls. 5xx responses and transport errors are retried with
// backoff and recorded as failures if the retries are exhausted.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrOpen, c.breaker.Name())
	}

	var resp *http.Response
	var err error

	for i := 0; i <= c.maxRetries; i++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			c.breaker.RecordSuccess()
			return resp, nil
		}

		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		// backoff: base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, jerr := rand.Int(rand.Reader, big.NewInt(50)); jerr == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		time.Sleep(backoff + jitter)
	}

	c.breaker.RecordFailure()
	if err != nil {
		return nil, fmt.Errorf("breaker: %s: %w", c.breaker.Name(), err)
	}
	return resp, nil
}
