// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

// Package mongodb implements the storage interfaces using MongoDB,
// with GridFS backing the blob store.
package mongodb

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/openedi/go-as2/internal/storage"
)

// Store implements storage.Store using MongoDB
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	gridfs *gridfs.Bucket

	orgs     *mongo.Collection
	partners *mongo.Collection
	messages *mongo.Collection
	mdns     *mongo.Collection
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore creates a new MongoDB store
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "blobs"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	s := &Store{
		client:   client,
		db:       db,
		gridfs:   bucket,
		orgs:     db.Collection("organizations"),
		partners: db.Collection("partners"),
		messages: db.Collection("messages"),
		mdns:     db.Collection("mdns"),
	}

	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	// The (message_id, partner_id) pair is the protocol-level identity
	// of an exchange; the unique index is what turns a concurrent
	// duplicate delivery into a detectable insert failure.
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "partner_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "direction", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	_, err = s.mdns.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating mdn indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// OrganizationStore implementation

func (s *Store) CreateOrganization(ctx context.Context, org *storage.Organization) error {
	_, err := s.orgs.InsertOne(ctx, org)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetOrganization(ctx context.Context, as2ID string) (*storage.Organization, error) {
	var org storage.Organization
	err := s.orgs.FindOne(ctx, bson.M{"_id": as2ID}).Decode(&org)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *Store) ListOrganizations(ctx context.Context) ([]*storage.Organization, error) {
	cursor, err := s.orgs.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var orgs []*storage.Organization
	if err := cursor.All(ctx, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// PartnerStore implementation

func (s *Store) CreatePartner(ctx context.Context, partner *storage.Partner) error {
	_, err := s.partners.InsertOne(ctx, partner)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetPartner(ctx context.Context, as2ID string) (*storage.Partner, error) {
	var partner storage.Partner
	err := s.partners.FindOne(ctx, bson.M{"_id": as2ID}).Decode(&partner)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &partner, nil
}

func (s *Store) ListPartners(ctx context.Context) ([]*storage.Partner, error) {
	cursor, err := s.partners.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var partners []*storage.Partner
	if err := cursor.All(ctx, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}

// MessageStore implementation

func (s *Store) CreateMessage(ctx context.Context, msg *storage.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.messages.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*storage.Message, error) {
	var msg storage.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) GetMessageByMessageID(ctx context.Context, messageID, partnerID string) (*storage.Message, error) {
	var msg storage.Message
	err := s.messages.FindOne(ctx, bson.M{"message_id": messageID, "partner_id": partnerID}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *Store) MessageExists(ctx context.Context, messageID, partnerID string) (bool, error) {
	count, err := s.messages.CountDocuments(ctx, bson.M{"message_id": messageID, "partner_id": partnerID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) UpdateMessage(ctx context.Context, msg *storage.Message) error {
	// retries is deliberately absent from the update: the counter is
	// only written through IncrementRetries.
	res, err := s.messages.UpdateOne(ctx, bson.M{"_id": msg.ID}, bson.M{"$set": bson.M{
		"status":          msg.Status,
		"detailed_status": msg.DetailedStatus,
		"headers_blob":    msg.HeadersBlob,
		"payload_blob":    msg.PayloadBlob,
		"filename":        msg.Filename,
		"compressed":      msg.Compressed,
		"encrypted":       msg.Encrypted,
		"signed":          msg.Signed,
		"mdn_mode":        msg.MDNMode,
		"mic":             msg.MIC,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, filter *storage.MessageFilter) ([]*storage.Message, error) {
	query := bson.M{}
	if filter != nil {
		if filter.Direction != "" {
			query["direction"] = filter.Direction
		}
		if filter.Status != "" {
			query["status"] = filter.Status
		}
		if filter.MessageID != "" {
			query["message_id"] = filter.MessageID
		}
		if filter.PartnerID != "" {
			query["partner_id"] = filter.PartnerID
		}
		if filter.OlderThan != nil {
			query["timestamp"] = bson.M{"$lt": *filter.OlderThan}
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter != nil && filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.messages.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var msgs []*storage.Message
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// IncrementRetries increments and reads the retry counter in a single
// findOneAndUpdate so concurrent maintenance passes serialize on the
// document rather than racing a read-then-write.
func (s *Store) IncrementRetries(ctx context.Context, id string) (int, error) {
	var msg storage.Message
	err := s.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"retries": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return msg.Retries, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// MDNStore implementation

func (s *Store) CreateMDN(ctx context.Context, mdn *storage.MDN) error {
	if mdn.Timestamp.IsZero() {
		mdn.Timestamp = time.Now()
	}
	_, err := s.mdns.InsertOne(ctx, mdn)
	if mongo.IsDuplicateKeyError(err) {
		return storage.ErrDuplicate
	}
	return err
}

func (s *Store) GetMDNByMessage(ctx context.Context, messageID string) (*storage.MDN, error) {
	var mdn storage.MDN
	err := s.mdns.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&mdn)
	if err == mongo.ErrNoDocuments {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mdn, nil
}

func (s *Store) UpdateMDN(ctx context.Context, mdn *storage.MDN) error {
	res, err := s.mdns.ReplaceOne(ctx, bson.M{"_id": mdn.MDNID}, mdn)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListMDNs(ctx context.Context, filter *storage.MDNFilter) ([]*storage.MDN, error) {
	query := bson.M{}
	if filter != nil && filter.Status != "" {
		query["status"] = filter.Status
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter != nil && filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.mdns.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var mdns []*storage.MDN
	if err := cursor.All(ctx, &mdns); err != nil {
		return nil, err
	}
	return mdns, nil
}

func (s *Store) DeleteMDN(ctx context.Context, mdnID string) error {
	_, err := s.mdns.DeleteOne(ctx, bson.M{"_id": mdnID})
	return err
}

// BlobStore implementation over GridFS

func (s *Store) SaveBlob(ctx context.Context, key string, data []byte) error {
	// GridFS files are immutable; replace any previous blob under the
	// same key.
	if err := s.deleteBlobFiles(ctx, key); err != nil {
		return err
	}
	_, err := s.gridfs.UploadFromStream(key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("uploading blob %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := s.gridfs.DownloadToStreamByName(key, &buf); err != nil {
		if err == gridfs.ErrFileNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("downloading blob %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	return s.deleteBlobFiles(ctx, key)
}

func (s *Store) deleteBlobFiles(ctx context.Context, key string) error {
	cursor, err := s.gridfs.Find(bson.M{"filename": key})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var file struct {
			ID interface{} `bson:"_id"`
		}
		if err := cursor.Decode(&file); err != nil {
			return err
		}
		if err := s.gridfs.Delete(file.ID); err != nil && err != gridfs.ErrFileNotFound {
			return err
		}
	}
	return cursor.Err()
}
