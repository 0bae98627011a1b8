package migrate

import (
	"encoding/json"
	"fmt"
)

// Migrations is the fixed partition every Migration record lives in
// (spec.md §3).
const Migrations = "Migrations"

// Migration is the persisted record of one applied migration.
type Migration struct {
	count       uint64
	description string

	etag string
	ts   int64
}

// NewRecord builds the record for the migration applied at 1-based
// ordinal count with the given stable description.
func NewRecord(count uint64, description string) *Migration {
	return &Migration{count: count, description: description}
}

// Count returns the migration's 1-based ordinal.
func (m *Migration) Count() uint64 { return m.count }

// Description returns the migration's stable name.
func (m *Migration) Description() string { return m.description }

// --- docstore.Entity ---

func (m *Migration) DocID() string {
	return fmt.Sprintf("Migration%05d", m.count)
}

func (m *Migration) DocPartitionKey() string { return Migrations }

func (m *Migration) DocKind() string { return "Migration" }

func (m *Migration) DocEtag() string        { return m.etag }
func (m *Migration) SetDocEtag(etag string) { m.etag = etag }

func (m *Migration) DocTimestampSeconds() int64      { return m.ts }
func (m *Migration) SetDocTimestampSeconds(ts int64) { m.ts = ts }

type wireMigration struct {
	ID          string `json:"id"`
	Part        string `json:"part"`
	Count       uint64 `json:"Migration_Cnt"`
	Description string `json:"Migration_Dscr"`
}

func (m *Migration) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMigration{
		ID:          m.DocID(),
		Part:        Migrations,
		Count:       m.count,
		Description: m.description,
	})
}

func (m *Migration) UnmarshalJSON(data []byte) error {
	var w wireMigration
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.count = w.Count
	m.description = w.Description
	return nil
}
