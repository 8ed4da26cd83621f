// README: Visit store backed by the Firestore "visits" collection.
package visit

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"proptrack/internal/modules/location"
	"proptrack/internal/types"
)

const visitsCollection = "visits"

// visitDoc mirrors a single document under /visits/{visitId}.
type visitDoc struct {
	AgentID          string         `firestore:"agentId"`
	PropertyID       string         `firestore:"propertyId"`
	CheckInLocation  coordinateDoc  `firestore:"checkInLocation"`
	CheckInTime      time.Time      `firestore:"checkInTime"`
	CheckOutLocation *coordinateDoc `firestore:"checkOutLocation"`
	CheckOutTime     *time.Time     `firestore:"checkOutTime"`
	VisitType        string         `firestore:"visitType"`
	Notes            *string        `firestore:"notes"`
	Photos           []string       `firestore:"photos"`
	Status           string         `firestore:"status"`
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
	return &FirestoreStore{client: client, logger: logger.With("component", "visit_firestore")}
}

func (s *FirestoreStore) Create(ctx context.Context, v *Visit) (types.ID, error) {
	ref, _, err := s.client.Collection(visitsCollection).Add(ctx, toDoc(v))
	if err != nil {
		return "", types.StoreError("create visit", err)
	}
	return types.ID(ref.ID), nil
}

func (s *FirestoreStore) Update(ctx context.Context, v *Visit) error {
	var outLoc *coordinateDoc
	if v.CheckOutLocation != nil {
		c := fromCoordinate(*v.CheckOutLocation)
		outLoc = &c
	}
	_, err := s.client.Collection(visitsCollection).Doc(string(v.ID)).Update(ctx, []firestore.Update{
		{Path: "checkOutLocation", Value: outLoc},
		{Path: "checkOutTime", Value: v.CheckOutTime},
		{Path: "notes", Value: v.Notes},
		{Path: "photos", Value: v.Photos},
		{Path: "status", Value: string(v.Status)},
	})
	if status.Code(err) == codes.NotFound {
		return ErrNotFound
	}
	return types.StoreError("update visit", err)
}

func (s *FirestoreStore) Get(ctx context.Context, id types.ID) (*Visit, error) {
	snap, err := s.client.Collection(visitsCollection).Doc(string(id)).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.StoreError("get visit", err)
	}
	return decodeVisit(snap)
}

func (s *FirestoreStore) activeQuery(agentID types.ID) firestore.Query {
	return s.client.Collection(visitsCollection).
		Where("agentId", "==", string(agentID)).
		Where("status", "==", string(StatusActive))
}

func (s *FirestoreStore) FindActive(ctx context.Context, agentID types.ID) (*Visit, error) {
	it := s.activeQuery(agentID).Documents(ctx)
	defer it.Stop()

	var found *Visit
	for {
		doc, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, types.StoreError("find active visit", err)
		}
		v, err := decodeVisit(doc)
		if err != nil {
			s.logger.Warn("skipping malformed visit document", "visit_id", doc.Ref.ID, "error", err)
			continue
		}
		if found == nil || v.CheckInTime.After(found.CheckInTime) {
			found = v
		}
	}
	return found, nil
}

// WatchActive listens to the agent's active-visit query. The first snapshot
// is read before returning so subscription errors reach the caller.
func (s *FirestoreStore) WatchActive(ctx context.Context, agentID types.ID, fn func(*Visit)) error {
	it := s.activeQuery(agentID).Snapshots(ctx)
	first, err := it.Next()
	if err != nil {
		it.Stop()
		return types.StoreError("watch active visit", err)
	}
	fn(s.newestActive(first))

	go func() {
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("active visit watch ended", "agent_id", agentID, "error", err)
				}
				return
			}
			fn(s.newestActive(snap))
		}
	}()
	return nil
}

func (s *FirestoreStore) newestActive(snap *firestore.QuerySnapshot) *Visit {
	docs, err := snap.Documents.GetAll()
	if err != nil {
		s.logger.Error("reading active visit snapshot", "error", err)
		return nil
	}
	var found *Visit
	for _, d := range docs {
		v, err := decodeVisit(d)
		if err != nil {
			continue
		}
		if found == nil || v.CheckInTime.After(found.CheckInTime) {
			found = v
		}
	}
	return found
}

func toDoc(v *Visit) visitDoc {
	d := visitDoc{
		AgentID:         string(v.AgentID),
		PropertyID:      string(v.PropertyID),
		CheckInLocation: fromCoordinate(v.CheckInLocation),
		CheckInTime:     v.CheckInTime,
		CheckOutTime:    v.CheckOutTime,
		VisitType:       string(v.VisitType),
		Notes:           v.Notes,
		Photos:          v.Photos,
		Status:          string(v.Status),
	}
	if v.CheckOutLocation != nil {
		c := fromCoordinate(*v.CheckOutLocation)
		d.CheckOutLocation = &c
	}
	return d
}

func decodeVisit(snap *firestore.DocumentSnapshot) (*Visit, error) {
	var d visitDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, err
	}
	v := &Visit{
		ID:              types.ID(snap.Ref.ID),
		AgentID:         types.ID(d.AgentID),
		PropertyID:      types.ID(d.PropertyID),
		CheckInLocation: d.CheckInLocation.coordinate(),
		CheckInTime:     d.CheckInTime,
		CheckOutTime:    d.CheckOutTime,
		VisitType:       Type(d.VisitType),
		Notes:           d.Notes,
		Photos:          d.Photos,
		Status:          Status(d.Status),
	}
	if d.CheckOutLocation != nil {
		c := d.CheckOutLocation.coordinate()
		v.CheckOutLocation = &c
	}
	return v, nil
}

func fromCoordinate(c location.Coordinate) coordinateDoc {
	return coordinateDoc{
		Latitude:       c.Latitude,
		Longitude:      c.Longitude,
		AccuracyMeters: c.AccuracyMeters,
		SampledAt:      c.SampledAt,
	}
}

func (d coordinateDoc) coordinate() location.Coordinate {
	return location.Coordinate{
		Latitude:       d.Latitude,
		Longitude:      d.Longitude,
		AccuracyMeters: d.AccuracyMeters,
		SampledAt:      d.SampledAt,
	}
}
