package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tonimelisma/fieldsync/sync"
)

// attemptTokenHeader carries the per-attempt dedup token. The server
// treats a duplicate (key, token) upload as already applied and returns
// the previously assigned revision.
const attemptTokenHeader = "Idempotency-Key"

// Service implements sync.RemoteService against the field data HTTP API.
type Service struct {
	client *Client
	logger *slog.Logger
}

// NewService wraps an API client as the engine's remote collaborator.
func NewService(client *Client, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{client: client, logger: logger}
}

// Upload sends one record and returns the server-assigned revision.
// Errors are mapped onto the engine taxonomy: credential failures to
// sync.ErrAuth, business rejections to sync.RejectionError, everything
// else to sync.TransientError so the queue retries with backoff.
func (s *Service) Upload(ctx context.Context, rec *sync.LocalRecord, attemptToken string) (string, error) {
	payload := recordPayload{
		EntityID:     rec.Key.EntityID,
		Period:       rec.Key.Period,
		OrgUnit:      rec.Key.OrgUnit,
		Category:     rec.Key.Category,
		Value:        rec.Value,
		ModifiedAt:   rec.ModifiedAt,
		BaseRevision: rec.Revision,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("remote: encode upload %s: %w", rec.Key, err)
	}

	header := http.Header{}
	header.Set(attemptTokenHeader, attemptToken)

	resp, err := s.client.Do(ctx, http.MethodPost, "/records", body, header)
	if err != nil {
		return "", s.mapUploadError(rec.Key, err)
	}
	defer resp.Body.Close()

	var decoded uploadResponse
	if err := json.NewDecoder(s.client.bodyReader(ctx, resp)).Decode(&decoded); err != nil {
		return "", sync.Transient("upload decode", err)
	}

	if decoded.Revision == "" {
		return "", sync.Transient("upload", errors.New("remote: empty revision in response"))
	}

	return decoded.Revision, nil
}

// mapUploadError translates transport errors to the engine taxonomy.
func (s *Service) mapUploadError(key sync.RecordKey, err error) error {
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
		return fmt.Errorf("remote: upload %s: %w", key, sync.ErrAuth)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && isRejectionStatus(apiErr.StatusCode) {
		return &sync.RejectionError{Key: key, Reason: apiErr.Message}
	}

	return sync.Transient("upload", err)
}

// Download streams every record changed since the given checkpoint,
// following pagination until the server reports no further pages. The
// callback's error aborts the stream.
func (s *Service) Download(ctx context.Context, since int64, fn func(*sync.RemoteRecord) error) error {
	pageToken := ""

	for {
		page, err := s.fetchChangesPage(ctx, since, pageToken)
		if err != nil {
			return err
		}

		for _, entry := range page.Records {
			if err := fn(entry.toRemoteRecord()); err != nil {
				return err
			}
		}

		if page.NextPageToken == "" {
			return nil
		}

		pageToken = page.NextPageToken
	}
}

func (s *Service) fetchChangesPage(ctx context.Context, since int64, pageToken string) (*changesPage, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))

	if pageToken != "" {
		query.Set("page_token", pageToken)
	}

	resp, err := s.client.Do(ctx, http.MethodGet, "/changes?"+query.Encode(), nil, nil)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			return nil, fmt.Errorf("remote: download: %w", sync.ErrAuth)
		}

		return nil, sync.Transient("download", err)
	}
	defer resp.Body.Close()

	var page changesPage
	if err := json.NewDecoder(s.client.bodyReader(ctx, resp)).Decode(&page); err != nil {
		return nil, sync.Transient("download decode", err)
	}

	s.logger.Debug("changes page fetched",
		slog.Int("records", len(page.Records)),
		slog.Bool("more", page.NextPageToken != ""),
	)

	return &page, nil
}

// Stat returns the server's known state for each key, keyed by the
// canonical key string. Keys the server has never seen map to nil.
func (s *Service) Stat(ctx context.Context, keys []sync.RecordKey) (map[string]*sync.RemoteKnown, error) {
	req := statRequest{Keys: make([]string, 0, len(keys))}
	for _, key := range keys {
		req.Keys = append(req.Keys, key.String())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("remote: encode stat: %w", err)
	}

	resp, err := s.client.Do(ctx, http.MethodPost, "/records/stat", body, nil)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden) {
			return nil, fmt.Errorf("remote: stat: %w", sync.ErrAuth)
		}

		return nil, sync.Transient("stat", err)
	}
	defer resp.Body.Close()

	var decoded statResponse
	if err := json.NewDecoder(s.client.bodyReader(ctx, resp)).Decode(&decoded); err != nil {
		return nil, sync.Transient("stat decode", err)
	}

	known := make(map[string]*sync.RemoteKnown, len(keys))

	for _, key := range keys {
		keyStr := key.String()
		if entry, ok := decoded.Records[keyStr]; ok {
			known[keyStr] = &sync.RemoteKnown{
				Revision:   entry.Revision,
				ModifiedAt: entry.ModifiedAt,
				Deleted:    entry.Deleted,
			}
		} else {
			known[keyStr] = nil
		}
	}

	return known, nil
}
