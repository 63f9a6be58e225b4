package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/stepup/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// userDocument is the BSON shape of a user in the users collection
type userDocument struct {
	ID           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Email        string    `bson:"email"`
	PhoneNumber  string    `bson:"phone_number,omitempty"`
	FullName     string    `bson:"full_name"`
	PasswordHash string    `bson:"password_hash"`
	TOTPSecret   string    `bson:"totp_secret"`
	IsActive     bool      `bson:"is_active"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d userDocument) toModel() model.User {
	return model.User{
		ID:           d.ID,
		Username:     d.Username,
		Email:        d.Email,
		PhoneNumber:  d.PhoneNumber,
		FullName:     d.FullName,
		PasswordHash: d.PasswordHash,
		TOTPSecret:   d.TOTPSecret,
		IsActive:     d.IsActive,
		CreatedAt:    d.CreatedAt,
	}
}

type mongoUserRepo struct {
	col *mongo.Collection
}

// NewMongoUserRepo creates a UserRepo on a MongoDB collection
func NewMongoUserRepo(col *mongo.Collection) UserRepo {
	return &mongoUserRepo{col: col}
}

// EnsureUserIndexes creates the unique indexes the credential lookups rely on
func EnsureUserIndexes(ctx context.Context, col *mongo.Collection) error {
	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{
			Keys: bson.D{{Key: "phone_number", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"phone_number": bson.M{"$type": "string"}}),
		},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	return nil
}

func (r *mongoUserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *mongoUserRepo) GetByCredential(ctx context.Context, credential string) (model.User, error) {
	credential = strings.ToLower(strings.TrimSpace(credential))
	return r.findOne(ctx, bson.M{"$or": []bson.M{
		{"username": credential},
		{"email": credential},
		{"phone_number": credential},
	}})
}

func (r *mongoUserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	doc := userDocument{
		ID:           uuid.NewString(),
		Username:     strings.ToLower(user.Username),
		Email:        strings.ToLower(user.Email),
		PhoneNumber:  user.PhoneNumber,
		FullName:     user.FullName,
		PasswordHash: user.PasswordHash,
		TOTPSecret:   user.TOTPSecret,
		IsActive:     user.IsActive,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := r.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return model.User{}, ErrUserExists
		}
		return model.User{}, fmt.Errorf("error inserting user: %w", err)
	}
	return doc.toModel(), nil
}

func (r *mongoUserRepo) UpdateTOTPSecret(ctx context.Context, id, secret string) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"totp_secret": secret}})
	if err != nil {
		return fmt.Errorf("failed to update totp secret: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *mongoUserRepo) UpdatePasswordHash(ctx context.Context, id, hash string) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"password_hash": hash}})
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *mongoUserRepo) findOne(ctx context.Context, filter bson.M) (model.User, error) {
	var doc userDocument
	err := r.col.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, fmt.Errorf("error retrieving user: %w", err)
	}
	return doc.toModel(), nil
}
