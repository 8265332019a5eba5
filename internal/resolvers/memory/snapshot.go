package memory

import (
	"context"
	"encoding/json"

	"loomcore/pkg/resolver"
)

// ExportState clones the full store state for durable snapshotting.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{Records: make(map[string]Record, len(s.records)), NextSeq: s.nextSeq}
	for key, rec := range s.records {
		snap.Records[key] = *cloneRecord(rec)
	}
	return snap
}

// ImportState replaces the store state with a previously exported snapshot.
// Open transactions are discarded.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record, len(snap.Records))
	for key, rec := range snap.Records {
		stored := rec
		stored.Attrs = cloneAttrs(rec.Attrs)
		s.records[key] = &stored
	}
	s.nextSeq = snap.NextSeq
	s.txns = make(map[resolver.TxnID]*overlay)
}

// ExportSnapshot serialises the store state as JSON for the snapshot
// archive.
func (s *Session) ExportSnapshot(_ context.Context) ([]byte, error) {
	return json.Marshal(s.store.ExportState())
}
