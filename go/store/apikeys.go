package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// APIKey gates the unauthenticated embed path. Only the hash is stored;
// the raw key is returned exactly once, on creation.
type APIKey struct {
	ID              string          `db:"id" json:"id"`
	TenantID        string          `db:"tenant_id" json:"tenant_id"`
	Name            string          `db:"name" json:"name,omitempty"`
	KeyHash         string          `db:"key_hash" json:"-"`
	ScopedWidgetIDs json.RawMessage `db:"scoped_widget_ids" json:"scoped_widget_ids,omitempty"`
	RateLimit       *int64          `db:"rate_limit" json:"rate_limit,omitempty"`
	RevokedAt       *time.Time      `db:"revoked_at" json:"revoked_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// Revoked reports whether the key is no longer usable.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// ScopedTo reports whether the key admits the widget. An empty scope admits
// every widget of the tenant.
func (k *APIKey) ScopedTo(widgetID string) bool {
	var ids []string
	if err := json.Unmarshal(k.ScopedWidgetIDs, &ids); err != nil || len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == widgetID {
			return true
		}
	}
	return false
}

// HashAPIKey maps a raw key onto its stored form.
func HashAPIKey(raw string) string {
	var sum = sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a key and returns the raw secret alongside the stored
// row. The secret is not recoverable afterwards.
func (s *Store) CreateAPIKey(ctx context.Context, tenant, name string, scopedWidgetIDs []string, rateLimit *int64) (*APIKey, string, error) {
	var secret = make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", fmt.Errorf("generating api key: %w", err)
	}
	var raw = "tsk_" + hex.EncodeToString(secret)

	var scope = json.RawMessage("[]")
	if len(scopedWidgetIDs) > 0 {
		var b, err = json.Marshal(scopedWidgetIDs)
		if err != nil {
			return nil, "", err
		}
		scope = b
	}

	var key = &APIKey{
		ID:              newID(),
		TenantID:        tenant,
		Name:            name,
		KeyHash:         HashAPIKey(raw),
		ScopedWidgetIDs: scope,
		RateLimit:       rateLimit,
		CreatedAt:       time.Now().UTC(),
	}
	var err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var _, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO api_keys (id, tenant_id, name, key_hash, scoped_widget_ids, rate_limit, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			key.ID, key.TenantID, key.Name, key.KeyHash, string(key.ScopedWidgetIDs),
			key.RateLimit, key.CreatedAt)
		if err != nil {
			return err
		}
		s.audit(ctx, tx, tenant, "api_key.create", "api_key", key.ID, map[string]any{"name": name})
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// GetAPIKeyByRaw resolves an unrevoked key from its raw form; the embed
// path authenticates through here.
func (s *Store) GetAPIKeyByRaw(ctx context.Context, raw string) (*APIKey, error) {
	var key APIKey
	var err = s.db.GetContext(ctx, &key, s.db.Rebind(
		`SELECT * FROM api_keys WHERE key_hash = ?`), HashAPIKey(raw))
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenant string) ([]APIKey, error) {
	var out = []APIKey{}
	var err = s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT * FROM api_keys WHERE tenant_id = ? ORDER BY created_at DESC`), tenant)
	return out, err
}

// RevokeAPIKey marks the key revoked; the row is retained for audit.
func (s *Store) RevokeAPIKey(ctx context.Context, tenant, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var res, err = tx.ExecContext(ctx, tx.Rebind(
			`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND tenant_id = ? AND revoked_at IS NULL`),
			time.Now().UTC(), id, tenant)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		s.audit(ctx, tx, tenant, "api_key.revoke", "api_key", id, nil)
		return nil
	})
}
