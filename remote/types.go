package remote

import "github.com/tonimelisma/fieldsync/sync"

// Wire types for the field data API. JSON field names follow the API's
// snake_case convention; all timestamps are Unix nanoseconds.

// recordPayload is the upload request body for one record.
type recordPayload struct {
	EntityID     string `json:"entity_id"`
	Period       string `json:"period"`
	OrgUnit      string `json:"org_unit"`
	Category     string `json:"category"`
	Value        string `json:"value"`
	ModifiedAt   int64  `json:"modified_at"`
	BaseRevision string `json:"base_revision,omitempty"`
}

// uploadResponse carries the server-assigned revision for an accepted
// record.
type uploadResponse struct {
	Revision string `json:"revision"`
}

// changeEntry is one record in a changes page.
type changeEntry struct {
	EntityID   string `json:"entity_id"`
	Period     string `json:"period"`
	OrgUnit    string `json:"org_unit"`
	Category   string `json:"category"`
	Value      string `json:"value"`
	Revision   string `json:"revision"`
	ModifiedAt int64  `json:"modified_at"`
	Deleted    bool   `json:"deleted"`
}

// changesPage is one page of the GET /changes stream.
type changesPage struct {
	Records       []changeEntry `json:"records"`
	NextPageToken string        `json:"next_page_token"`
}

// statRequest asks the server for its known state of a set of keys.
type statRequest struct {
	Keys []string `json:"keys"`
}

// statEntry is the server's known state for one key.
type statEntry struct {
	Revision   string `json:"revision"`
	ModifiedAt int64  `json:"modified_at"`
	Deleted    bool   `json:"deleted"`
}

// statResponse maps canonical key strings to known state. Keys the server
// has never seen are absent.
type statResponse struct {
	Records map[string]statEntry `json:"records"`
}

// toRemoteRecord converts a wire change entry to the engine type.
func (e changeEntry) toRemoteRecord() *sync.RemoteRecord {
	return &sync.RemoteRecord{
		Key:        sync.NewRecordKey(e.EntityID, e.Period, e.OrgUnit, e.Category),
		Value:      e.Value,
		Revision:   e.Revision,
		ModifiedAt: e.ModifiedAt,
		Deleted:    e.Deleted,
	}
}
