package storage

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/fare-auction/internal/models"
)

const (
	mongoOpTimeout     = 3 * time.Second
	requestsCollection = "ride_requests"
)

// MongoStore persists RideRequest aggregates as documents, one per request,
// bids embedded. It is the primary store when MONGO_URI is configured.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewMongoStore(uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	if database == "" {
		database = "fare_auction"
	}
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(requestsCollection),
	}, nil
}

func (s *MongoStore) CreateRequest(ctx context.Context, req *models.RideRequest) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, req); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (s *MongoStore) AppendOrUpdateBid(ctx context.Context, requestID string, bid models.Bid) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	// Overwrite the driver's existing bid in place when present. The engine
	// serializes bid writes per request, so the two-step update is safe.
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": requestID, "bids.driver_id": bid.DriverID},
		bson.M{"$set": bson.M{"bids.$": bid, "updated_at": bid.BidTime}},
	)
	if err != nil {
		return fmt.Errorf("update bid: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	res, err = s.coll.UpdateOne(ctx,
		bson.M{"_id": requestID},
		bson.M{"$push": bson.M{"bids": bid}, "$set": bson.M{"updated_at": bid.BidTime}},
	)
	if err != nil {
		return fmt.Errorf("append bid: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) TransitionStatus(ctx context.Context, req *models.RideRequest) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": req.ID},
		bson.M{"$set": bson.M{
			"status":          req.Status,
			"bids":            req.Bids,
			"accepted_bid_id": req.AcceptedBidID,
			"cancel_reason":   req.CancelReason,
			"payment_hold_id": req.PaymentHoldID,
			"updated_at":      req.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("transition status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) LoadActiveRequests(ctx context.Context) ([]*models.RideRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.M{"status": bson.M{"$in": bson.A{
		models.StatusPending, models.StatusBidding, models.StatusAccepted,
	}}})
	if err != nil {
		return nil, fmt.Errorf("find active requests: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.RideRequest
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode active requests: %w", err)
	}
	return out, nil
}

func (s *MongoStore) FindByDriverBid(ctx context.Context, driverID string) ([]*models.RideRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	cursor, err := s.coll.Find(ctx, bson.M{
		"bids.driver_id": driverID,
		"status":         bson.M{"$in": bson.A{models.StatusPending, models.StatusBidding, models.StatusAccepted}},
	})
	if err != nil {
		return nil, fmt.Errorf("find by driver bid: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*models.RideRequest
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode driver bids: %w", err)
	}
	return out, nil
}

func (s *MongoStore) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	res, err := s.coll.DeleteMany(ctx, bson.M{
		"status":     bson.M{"$in": bson.A{models.StatusCompleted, models.StatusCancelled}},
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("purge terminated: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
