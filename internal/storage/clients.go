package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIClient is a caller credential record. The api_key_hash column holds an
// Argon2id hash; raw keys are never stored.
type APIClient struct {
	ID         uuid.UUID
	ClientID   string
	APIKeyHash string
	Role       string
	CreatedAt  time.Time
}

// GetAPIClient looks up a client by its client_id. Returns ErrNotFound when
// the client does not exist.
func (db *DB) GetAPIClient(ctx context.Context, clientID string) (*APIClient, error) {
	var c APIClient
	err := db.pool.QueryRow(ctx,
		`SELECT id, client_id, api_key_hash, role, created_at
		 FROM api_clients WHERE client_id = $1`, clientID,
	).Scan(&c.ID, &c.ClientID, &c.APIKeyHash, &c.Role, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: api client %q: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get api client: %w", err)
	}
	return &c, nil
}

// UpsertAPIClient creates or refreshes a client credential. Used at startup
// to seed the admin client from ANZEN_ADMIN_API_KEY.
func (db *DB) UpsertAPIClient(ctx context.Context, clientID, keyHash, role string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_clients (id, client_id, api_key_hash, role)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (client_id) DO UPDATE SET api_key_hash = EXCLUDED.api_key_hash, role = EXCLUDED.role`,
		uuid.New(), clientID, keyHash, role,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert api client: %w", err)
	}
	return nil
}
