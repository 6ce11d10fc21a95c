// Package announceclient is the leech core's side of the contract with the
// out-of-scope tracker client described in §1/§6: it turns an announce
// into a list of candidate endpoints, and is the one place tracker-retry
// backoff is paced.
package announceclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"golang.org/x/time/rate"

	"github.com/mhollis/leechcore/core"
)

// Event is the BEP 3 announce event, reported on state transitions.
type Event string

const (
	Started   Event = "started"
	Completed Event = "completed"
	Stopped   Event = "stopped"
	Empty     Event = ""
)

// Client announces this peer's progress for one torrent and returns the
// tracker's current view of the swarm.
type Client interface {
	Announce(ctx context.Context, infoHash core.InfoHash, peerID core.PeerID, port int, event Event) ([]core.Endpoint, error)
}

// MaxAttempts bounds the attempts per announce call, the first one
// included; the wait between attempts doubles each time.
const MaxAttempts = 3

// httpClient announces over BEP 3 HTTP GET against a single tracker
// announce URL, retrying on network failure with exponential backoff.
type httpClient struct {
	announceURL string
	httpClient  *http.Client
}

// New builds a Client against a single tracker announce URL (e.g.
// "http://tracker.example.com:6969/announce").
func New(announceURL string) Client {
	return &httpClient{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type announceResponse struct {
	Peers    string `bencode:"peers"`
	Interval int    `bencode:"interval"`
}

// Announce performs an HTTP GET announce, making up to MaxAttempts attempts
// and waiting 1s, then 2s, before each retry. Any failed attempt is retried:
// a network error, a non-200 status, or an undecodable response. A
// successful response, even with zero peers, is not retried.
func (c *httpClient) Announce(ctx context.Context, infoHash core.InfoHash, peerID core.PeerID, port int, event Event) ([]core.Endpoint, error) {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			limiter := rate.NewLimiter(rate.Every(delay), 1)
			limiter.Allow() // consume the initial token so Wait actually blocks
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("announce: %w", err)
			}
		}
		endpoints, err := c.announceOnce(ctx, infoHash, peerID, port, event)
		if err == nil {
			return endpoints, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("announce: exhausted %d attempts: %w", MaxAttempts, lastErr)
}

func (c *httpClient) announceOnce(ctx context.Context, infoHash core.InfoHash, peerID core.PeerID, port int, event Event) ([]core.Endpoint, error) {
	v := url.Values{}
	v.Set("info_hash", string(infoHash.Bytes()))
	v.Set("peer_id", string(peerID[:]))
	v.Set("port", strconv.Itoa(port))
	v.Set("compact", "1")
	if event != Empty {
		v.Set("event", string(event))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.announceURL+"?"+v.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned status %d", resp.StatusCode)
	}

	var body announceResponse
	if err := bencode.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("decode announce response: %w", err)
	}
	return decodeCompactPeers([]byte(body.Peers))
}

// decodeCompactPeers parses the BEP 3 compact peer list: a concatenation of
// 6-byte (4-byte IPv4, 2-byte big-endian port) records.
func decodeCompactPeers(peers []byte) ([]core.Endpoint, error) {
	const recordSize = 6
	if len(peers)%recordSize != 0 {
		return nil, fmt.Errorf("compact peers field is not a multiple of %d bytes", recordSize)
	}
	var out []core.Endpoint
	for i := 0; i+recordSize <= len(peers); i += recordSize {
		rec := peers[i : i+recordSize]
		ip := make([]byte, 4)
		copy(ip, rec[0:4])
		port := int(rec[4])<<8 | int(rec[5])
		out = append(out, core.Endpoint{IP: ip, Port: port})
	}
	return out, nil
}
