// README: Presence store backed by a Firestore collection keyed by agent id.
package presence

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

const presenceCollection = "agent_presence"

// presenceDoc mirrors a single document under /agent_presence/{agentId}.
type presenceDoc struct {
	AgentID    string         `firestore:"agentId"`
	Location   *coordinateDoc `firestore:"location"`
	WorkStatus string         `firestore:"workStatus"`
	LastSeen   time.Time      `firestore:"lastSeen"`
}

type coordinateDoc struct {
	Latitude       float64   `firestore:"latitude"`
	Longitude      float64   `firestore:"longitude"`
	AccuracyMeters float64   `firestore:"accuracyMeters"`
	SampledAt      time.Time `firestore:"sampledAt"`
}

type FirestoreStore struct {
	client *firestore.Client
	logger *slog.Logger
}

func NewFirestoreStore(client *firestore.Client, logger *slog.Logger) *FirestoreStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirestoreStore{client: client, logger: logger.With("component", "presence_firestore")}
}

func (s *FirestoreStore) Upsert(ctx context.Context, r Record) error {
	data := map[string]interface{}{
		"agentId":    string(r.AgentID),
		"workStatus": string(r.WorkStatus),
		"lastSeen":   r.LastSeen,
	}
	if r.Location != nil {
		data["location"] = map[string]interface{}{
			"latitude":       r.Location.Latitude,
			"longitude":      r.Location.Longitude,
			"accuracyMeters": r.Location.AccuracyMeters,
			"sampledAt":      r.Location.SampledAt,
		}
	}
	_, err := s.client.Collection(presenceCollection).Doc(string(r.AgentID)).Set(ctx, data, firestore.MergeAll)
	return types.StoreError("upsert presence", err)
}

func (s *FirestoreStore) Get(ctx context.Context, agentID types.ID) (*Record, error) {
	snap, err := s.client.Collection(presenceCollection).Doc(string(agentID)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.StoreError("get presence", err)
	}
	r, err := decodePresence(snap)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Watch listens to the whole collection. The first snapshot is read before
// returning so subscription errors reach the caller.
func (s *FirestoreStore) Watch(ctx context.Context, fn func([]Record)) error {
	it := s.client.Collection(presenceCollection).Snapshots(ctx)
	first, err := it.Next()
	if err != nil {
		it.Stop()
		return types.StoreError("watch presence", err)
	}
	records, err := s.decodeAll(first)
	if err != nil {
		it.Stop()
		return err
	}
	fn(records)

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("presence watch ended", "error", err)
				}
				return
			}
			records, err := s.decodeAll(snap)
			if err != nil {
				s.logger.Error("decoding presence snapshot", "error", err)
				continue
			}
			fn(records)
		}
	}()
	return nil
}

func (s *FirestoreStore) decodeAll(snap *firestore.QuerySnapshot) ([]Record, error) {
	docs, err := snap.Documents.GetAll()
	if err != nil {
		return nil, types.StoreError("read presence snapshot", err)
	}
	out := make([]Record, 0, len(docs))
	for _, d := range docs {
		r, err := decodePresence(d)
		if err != nil {
			s.logger.Warn("skipping malformed presence document", "doc_id", d.Ref.ID, "error", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func decodePresence(snap *firestore.DocumentSnapshot) (Record, error) {
	var doc presenceDoc
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, err
	}
	r := Record{
		AgentID:    types.ID(snap.Ref.ID),
		WorkStatus: WorkStatus(doc.WorkStatus),
		LastSeen:   doc.LastSeen,
	}
	if doc.Location != nil {
		r.Location = &location.Coordinate{
			Latitude:       doc.Location.Latitude,
			Longitude:      doc.Location.Longitude,
			AccuracyMeters: doc.Location.AccuracyMeters,
			SampledAt:      doc.Location.SampledAt,
		}
	}
	return r, nil
}
