// workers/player_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"challenge-engine/logging"
	"challenge-engine/models"
	"challenge-engine/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RemotePlayer matches one entry of the account directory's change feed.
type RemotePlayer struct {
	ExternalID         string    `json:"external_id"`
	Username           string    `json:"username"`
	Email              string    `json:"email"`
	PaymentCustomerRef string    `json:"payment_customer_id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// PlayerChangesResponse is the top-level structure of the directory response.
type PlayerChangesResponse struct {
	Players []RemotePlayer `json:"players"`
}

// PlayerMirror is the local player table.
type PlayerMirror interface {
	Upsert(ctx context.Context, players []models.Player) error
	Latest(ctx context.Context) (*models.Player, error)
}

// PlayerSyncWorker keeps the local player mirror, and with it every
// participant's payment customer reference, up to date.
type PlayerSyncWorker struct {
	mirror       PlayerMirror
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	log          zerolog.Logger
}

func NewPlayerSyncWorker(mirror PlayerMirror, baseURL, endpointPath, serviceToken string, interval time.Duration) *PlayerSyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PlayerSyncWorker{
		mirror:       mirror,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: endpointPath,
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
		log:          logging.WithComponent("player-sync"),
	}
}

// Start runs the worker until ctx is cancelled.
func (w *PlayerSyncWorker) Start(ctx context.Context) {
	w.log.Info().Str("base_url", w.baseURL).Dur("interval", w.interval).Msg("starting player sync worker")
	go w.run(ctx)
}

func (w *PlayerSyncWorker) run(ctx context.Context) {
	// initial backfill
	if _, err := w.SyncOnce(ctx, time.Time{}); err != nil {
		w.log.Warn().Err(err).Msg("initial player sync failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncOnce(ctx, w.lastSyncTime(ctx)); err != nil {
				w.log.Error().Err(err).Msg("player sync batch failed")
			}
		case <-ctx.Done():
			w.log.Info().Msg("player sync worker stopped")
			return
		}
	}
}

func (w *PlayerSyncWorker) lastSyncTime(ctx context.Context) time.Time {
	latest, err := w.mirror.Latest(ctx)
	if err != nil || latest == nil {
		return time.Unix(0, 0)
	}
	return latest.UpdatedAt
}

// SyncOnce fetches players changed since the given time and upserts them.
// It returns how many players were stored.
func (w *PlayerSyncWorker) SyncOnce(ctx context.Context, since time.Time) (int, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid player directory URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("build player sync request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("player directory request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("player directory returned %d: %s", resp.StatusCode, string(body))
	}

	var payload PlayerChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode player directory response: %w", err)
	}
	if len(payload.Players) == 0 {
		return 0, nil
	}

	players := make([]models.Player, 0, len(payload.Players))
	for _, rp := range payload.Players {
		if rp.ExternalID == "" {
			continue
		}
		players = append(players, models.Player{
			ID:                 uuid.NewString(),
			ExternalUserID:     rp.ExternalID,
			DisplayName:        rp.Username,
			Email:              rp.Email,
			PaymentCustomerRef: rp.PaymentCustomerRef,
			CreatedAt:          rp.CreatedAt,
			UpdatedAt:          rp.UpdatedAt,
		})
	}
	if err := w.mirror.Upsert(ctx, players); err != nil {
		return 0, err
	}

	w.log.Info().Int("received", len(payload.Players)).Int("stored", len(players)).
		Str("since", since.UTC().Format(time.RFC3339)).Msg("player mirror synced")
	return len(players), nil
}
