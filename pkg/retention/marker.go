package retention

import "encoding/json"

// markerPartition is the fixed partition holding the single RetentionMarker
// record (SPEC_FULL.md §3).
const markerPartition = "Retention"

const markerID = "RetentionMarker"

// marker records the last successful sweep, making the sweeper idempotent
// across restarts the way a gronx-scheduled loop with no persisted state
// would otherwise re-run its first tick redundantly on every boot.
type marker struct {
	lastRunUnix int64

	etag string
	ts   int64
}

func (m *marker) DocID() string                  { return markerID }
func (m *marker) DocPartitionKey() string        { return markerPartition }
func (m *marker) DocKind() string                { return "RetentionMarker" }
func (m *marker) DocEtag() string                { return m.etag }
func (m *marker) SetDocEtag(etag string)         { m.etag = etag }
func (m *marker) DocTimestampSeconds() int64     { return m.ts }
func (m *marker) SetDocTimestampSeconds(t int64) { m.ts = t }

type wireMarker struct {
	ID          string `json:"id"`
	Part        string `json:"part"`
	LastRunUnix int64  `json:"LastRunUnix"`
	Etag        string `json:"_etag,omitempty"`
	Ts          int64  `json:"_ts,omitempty"`
}

func (m *marker) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMarker{
		ID: m.DocID(), Part: markerPartition,
		LastRunUnix: m.lastRunUnix, Etag: m.etag, Ts: m.ts,
	})
}

func (m *marker) UnmarshalJSON(data []byte) error {
	var w wireMarker
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.lastRunUnix = w.LastRunUnix
	m.etag = w.Etag
	m.ts = w.Ts
	return nil
}
