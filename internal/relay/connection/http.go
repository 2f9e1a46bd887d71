package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
	"github.com/quantumauth-io/walletlink-client/internal/relay/web3"
)

// EventsFetcher retrieves relay events the host missed while offline.
type EventsFetcher interface {
	FetchUnseenEvents(ctx context.Context) ([]Event, error)
}

// HTTPEventsFetcher talks to the relay's REST endpoints with Basic auth id:sessionKey.
type HTTPEventsFetcher struct {
	baseURL    string
	sessionID  string
	sessionKey string
	client     *http.Client
	timeout    time.Duration
}

func NewHTTPEventsFetcher(linkAPIURL, sessionID, sessionKey string, client *http.Client) *HTTPEventsFetcher {
	if client == nil {
		client = &http.Client{Timeout: constants.DefaultHTTPReadTimeout}
	}
	return &HTTPEventsFetcher{
		baseURL:    strings.TrimRight(linkAPIURL, "/"),
		sessionID:  sessionID,
		sessionKey: sessionKey,
		client:     client,
		timeout:    constants.DefaultHTTPReadTimeout,
	}
}

type unseenEventsResponse struct {
	Events []struct {
		ID    string `json:"id"`
		Event string `json:"event"`
		Data  string `json:"data"`
	} `json:"events"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error"`
}

// FetchUnseenEvents returns unseen Web3Response events and marks them seen. Transport
// failures and 5xx replies are retried; an error body or 4xx is final.
func (f *HTTPEventsFetcher) FetchUnseenEvents(ctx context.Context) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cfg := retry.DefaultConfig()
	cfg.InitialDelayBeforeRetrying = 250 * time.Millisecond
	cfg.MaxDelayBeforeRetrying = 2 * time.Second

	var (
		events []Event
		final  error
	)
	_, err := retry.Retry(ctx, cfg,
		func(ctx context.Context) ([]interface{}, error) {
			got, permanent, err := f.fetchOnce(ctx)
			if err != nil {
				return nil, err
			}
			events, final = got, permanent
			return nil, nil
		},
		nil,
		"fetch unseen events")
	if err != nil {
		return nil, fmt.Errorf("check unseen events failed: %w", err)
	}
	if final != nil {
		return nil, final
	}

	f.markSeen(ctx, events)
	return events, nil
}

func (f *HTTPEventsFetcher) fetchOnce(ctx context.Context) (events []Event, permanent error, retryable error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/events?unseen=true", nil)
	if err != nil {
		return nil, err, nil
	}
	req.SetBasicAuth(f.sessionID, f.sessionKey)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("check unseen events failed: %d", resp.StatusCode), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, err
	}
	var out unseenEventsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode unseen events: %w", err), nil
	}
	if out.Error != "" {
		return nil, fmt.Errorf("check unseen events failed: %s", out.Error), nil
	}

	for _, e := range out.Events {
		if e.Event != web3.EventNameResponse {
			continue
		}
		events = append(events, Event{SessionID: f.sessionID, EventID: e.ID, Event: e.Event, Data: e.Data})
	}
	return events, nil, nil
}

func (f *HTTPEventsFetcher) markSeen(ctx context.Context, events []Event) {
	for _, e := range events {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/events/"+e.EventID+"/seen", nil)
		if err != nil {
			continue
		}
		req.SetBasicAuth(f.sessionID, f.sessionKey)
		resp, err := f.client.Do(req)
		if err != nil {
			log.Warn("unable to mark event as seen", "eventId", e.EventID, "error", err)
			continue
		}
		_ = resp.Body.Close()
	}
}
