package eventindex

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sentineledge/node/internal/models"
	"github.com/sentineledge/node/internal/pkgwriter"
)

// Subscriber is the bus capability this package needs. Implemented by
// *bus.Bus; accepted as an interface so eventindex never imports
// internal/bus directly.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// lifecycleSubjects are the bus subjects that mean "re-read this
// package's incident.json and refresh its index row": once when an
// event finalizes and is first visible on disk, and again whenever
// analysis changes incident.json's completion/routing fields.
var lifecycleSubjects = []string{
	"event.finalized",
	"package.done",
	"package.needs_cloud",
}

// SubscribeBus wires idx to b so every finalize/analysis-complete
// notification re-indexes the affected package from disk, keeping
// List's sqlite-backed path current without waiting for the next
// restart's RebuildFromDisk. eventsDir is the bucket directory the
// published event ids live under (bucket is stamped on the row).
func (idx *Index) SubscribeBus(b Subscriber, eventsDir, bucket string) error {
	handler := func(data []byte) {
		var msg struct {
			EventID string `json:"event_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			idx.logger.Warn("failed to decode bus lifecycle message", "error", err)
			return
		}
		if msg.EventID == "" {
			return
		}

		pkgDir := filepath.Join(eventsDir, msg.EventID)
		incidentPath := filepath.Join(pkgDir, "incident.json")
		var inc models.Incident
		if err := pkgwriter.ReadJSON(incidentPath, &inc); err != nil {
			idx.logger.Warn("failed to read incident for index refresh", "event_id", msg.EventID, "error", err)
			return
		}
		if err := idx.Upsert(context.Background(), inc, pkgDir, bucket); err != nil {
			idx.logger.Warn("failed to refresh index row", "event_id", msg.EventID, "error", err)
		}
	}

	for _, subject := range lifecycleSubjects {
		if err := b.Subscribe(subject, handler); err != nil {
			return fmt.Errorf("failed to subscribe event index to %s: %w", subject, err)
		}
	}
	return nil
}
