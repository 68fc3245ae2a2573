package repository

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/jarvis/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionRecords     = "memory_records"
	collectionPreferences = "user_preferences"
	distanceField         = "distance"
)

// Firestore is a Repository backed by Cloud Firestore. Nearest neighbour search
// uses the native vector index on the embedding field, which must be created with
// the same dimensionality as the embedder output.
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// New creates a new Firestore repository
func New(projectID, databaseID string) (*Firestore, error) {
	ctx := context.Background()
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project_id", projectID),
			goerr.V("database_id", databaseID),
		)
	}

	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) PutRecord(ctx context.Context, record *model.MemoryRecord) error {
	if _, err := r.client.Collection(collectionRecords).Doc(string(record.ID)).Set(ctx, record); err != nil {
		return goerr.Wrap(err, "failed to put memory record", goerr.V("id", record.ID))
	}
	return nil
}

func (r *Firestore) PutRecords(ctx context.Context, records []*model.MemoryRecord) error {
	bw := r.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(records))
	for _, record := range records {
		job, err := bw.Set(r.client.Collection(collectionRecords).Doc(string(record.ID)), record)
		if err != nil {
			bw.End()
			return goerr.Wrap(err, "failed to enqueue memory record", goerr.V("id", record.ID))
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return goerr.Wrap(err, "failed to write memory record", goerr.V("id", records[i].ID))
		}
	}
	return nil
}

func (r *Firestore) SearchRecords(ctx context.Context, query *SearchQuery) ([]*model.ScoredRecord, error) {
	if query.Limit <= 0 {
		return nil, nil
	}

	q := r.client.Collection(collectionRecords).Where("collection", "==", string(query.Collection))
	if query.UserID != "" {
		q = q.Where("user_id", "==", query.UserID)
	}
	if query.ExcludeTraces {
		q = q.Where("trace_type", "==", "")
	}

	vq := q.FindNearest("embedding",
		firestore.Vector32(query.Vector),
		query.Limit,
		firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField},
	)

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var results []*model.ScoredRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to search memory records", goerr.V("collection", query.Collection))
		}

		var record model.MemoryRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, goerr.Wrap(err, "failed to decode memory record", goerr.V("id", doc.Ref.ID))
		}
		distance, _ := doc.Data()[distanceField].(float64)

		results = append(results, &model.ScoredRecord{
			Record:   &record,
			Distance: distance,
		})
	}

	return results, nil
}

func (r *Firestore) CountRecords(ctx context.Context, collection model.Collection) (int, error) {
	q := r.client.Collection(collectionRecords).Where("collection", "==", string(collection))
	agg := q.NewAggregationQuery().WithCount("all")

	result, err := agg.Get(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to count memory records", goerr.V("collection", collection))
	}

	v, ok := result["all"].(*firestorepb.Value)
	if !ok {
		return 0, goerr.New("unexpected count result", goerr.V("collection", collection), goerr.V("result", result))
	}
	return int(v.GetIntegerValue()), nil
}

func preferenceDocID(userID, key string) string {
	// document IDs must not contain slashes
	return strings.ReplaceAll(userID+"__"+key, "/", "_")
}

func (r *Firestore) PutPreference(ctx context.Context, pref *model.Preference) error {
	ref := r.client.Collection(collectionPreferences).Doc(preferenceDocID(pref.UserID, pref.Key))

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		now := time.Now().UTC()
		stored := model.Preference{
			UserID:    pref.UserID,
			Key:       pref.Key,
			Value:     pref.Value,
			CreatedAt: now,
			UpdatedAt: now,
		}

		doc, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing model.Preference
			if err := doc.DataTo(&existing); err != nil {
				return goerr.Wrap(err, "failed to decode preference")
			}
			stored.CreatedAt = existing.CreatedAt
		case status.Code(err) != codes.NotFound:
			return goerr.Wrap(err, "failed to get preference")
		}

		return tx.Set(ref, &stored)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to put preference",
			goerr.V("user_id", pref.UserID),
			goerr.V("key", pref.Key),
		)
	}
	return nil
}

func (r *Firestore) GetPreference(ctx context.Context, userID, key string) (*model.Preference, error) {
	doc, err := r.client.Collection(collectionPreferences).Doc(preferenceDocID(userID, key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(ErrNotFound, "preference not found", goerr.V("user_id", userID), goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to get preference", goerr.V("user_id", userID), goerr.V("key", key))
	}

	var pref model.Preference
	if err := doc.DataTo(&pref); err != nil {
		return nil, goerr.Wrap(err, "failed to decode preference", goerr.V("user_id", userID), goerr.V("key", key))
	}
	return &pref, nil
}

func (r *Firestore) ListPreferences(ctx context.Context, userID string) ([]*model.Preference, error) {
	iter := r.client.Collection(collectionPreferences).
		Where("user_id", "==", userID).
		OrderBy("key", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prefs []*model.Preference
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list preferences", goerr.V("user_id", userID))
		}

		var pref model.Preference
		if err := doc.DataTo(&pref); err != nil {
			return nil, goerr.Wrap(err, "failed to decode preference", goerr.V("id", doc.Ref.ID))
		}
		prefs = append(prefs, &pref)
	}
	return prefs, nil
}

func (r *Firestore) DeletePreference(ctx context.Context, userID, key string) (bool, error) {
	ref := r.client.Collection(collectionPreferences).Doc(preferenceDocID(userID, key))

	// Delete on a missing document succeeds, so a precondition is used to detect it
	if _, err := ref.Delete(ctx, firestore.Exists); err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, goerr.Wrap(err, "failed to delete preference", goerr.V("user_id", userID), goerr.V("key", key))
	}
	return true, nil
}
