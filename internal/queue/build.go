package queue

import (
	"fmt"
	"log/slog"

	"github.com/mmcdole/tracklist/internal/domain"
	"github.com/mmcdole/tracklist/internal/uid"
)

// FromLineup converts lineup entries into queueables. Deleted entries are
// skipped and collection entries expand into their tracks. Collections not
// present in reader are skipped.
func FromLineup(entries []domain.Entry, reader domain.EntityReader, source domain.SourceTag, logger *slog.Logger) []domain.Queueable {
	if logger == nil {
		logger = slog.Default()
	}

	var trackIDs, collectionIDs []domain.ID
	for _, e := range entries {
		switch e.Kind {
		case domain.KindDigitalContents:
			trackIDs = append(trackIDs, e.ID)
		case domain.KindCollections:
			collectionIDs = append(collectionIDs, e.ID)
		}
	}
	collections := reader.Get(domain.KindCollections, collectionIDs)
	for _, col := range collections {
		trackIDs = append(trackIDs, col.TrackIDs()...)
	}
	tracks := reader.Get(domain.KindDigitalContents, trackIDs)

	out := make([]domain.Queueable, 0, len(entries))
	for _, e := range entries {
		if e.Deleted {
			continue
		}

		switch e.Kind {
		case domain.KindDigitalContents:
			ent := tracks[e.ID]
			if ent != nil && ent.Deleted {
				continue
			}
			out = append(out, queueable(e.UID, e.ID, ent, source))

		case domain.KindCollections:
			col, ok := collections[e.ID]
			if !ok || col.Deleted {
				logger.Debug("skipping unresolved collection", "id", e.ID, "uid", e.UID)
				continue
			}
			for i, id := range col.TrackIDs() {
				ent := tracks[id]
				if ent != nil && ent.Deleted {
					continue
				}
				child, err := uid.Child(e.UID, domain.KindDigitalContents, id, i)
				if err != nil {
					logger.Warn("skipping track with unparseable parent uid", "error", err, "uid", e.UID)
					continue
				}
				out = append(out, queueable(child, id, ent, source))
			}
		}
	}
	return out
}

// FromCollection queues the tracks of a single collection. UIDs use the
// source descriptor collection:{id}:{position}.
func FromCollection(collection *domain.Entity, reader domain.EntityReader) []domain.Queueable {
	ids := collection.TrackIDs()
	tracks := reader.Get(domain.KindDigitalContents, ids)
	source := domain.SourceTag(fmt.Sprintf("collection:%d", collection.ID))

	out := make([]domain.Queueable, 0, len(ids))
	for i, id := range ids {
		ent := tracks[id]
		if ent != nil && ent.Deleted {
			continue
		}
		u := uid.New(domain.KindDigitalContents, id, fmt.Sprintf("%s:%d", source, i))
		out = append(out, queueable(u, id, ent, source))
	}
	return out
}

func queueable(u domain.UID, id domain.ID, ent *domain.Entity, source domain.SourceTag) domain.Queueable {
	q := domain.Queueable{ID: id, UID: u, Source: source}
	if ent != nil {
		q.OwnerID = ent.OwnerID()
	}
	return q
}
