package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"whatrix/internal/errors"
	"whatrix/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// Database is the authoritative store for conversation mappings and portal
// credentials. Sensitive columns are encrypted at rest when encryption is
// enabled; lookup columns use deterministic encryption so unique
// constraints and WHERE clauses keep working.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(initialSchema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	encryptor, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Database{db: db, encryptor: encryptor}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports store connectivity for the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Conversation mapping operations

// SaveMapping inserts a new mapping. Both unique keys are enforced by the
// schema; a violation on either surfaces as a conflict error.
func (d *Database) SaveMapping(ctx context.Context, mapping *models.ConversationMapping) error {
	encryptedIdentity, err := d.encryptor.EncryptForLookupIfEnabled(mapping.ChannelIdentity)
	if err != nil {
		return fmt.Errorf("failed to encrypt channel identity: %w", err)
	}

	encryptedName, err := d.encryptor.EncryptIfEnabled(mapping.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to encrypt display name: %w", err)
	}

	now := time.Now().UTC()
	if mapping.LastMessageAt.IsZero() {
		mapping.LastMessageAt = now
	}
	mapping.CreatedAt = now
	mapping.UpdatedAt = now

	query := `
		INSERT INTO conversation_mappings (
			channel_identity, crm_contact_id, crm_chat_id,
			display_name, last_message_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := d.db.ExecContext(ctx, query,
		encryptedIdentity,
		mapping.CrmContactID,
		mapping.CrmChatID,
		encryptedName,
		mapping.LastMessageAt,
		mapping.CreatedAt,
		mapping.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("channel_identity/crm_chat_id", mapping.ChannelIdentity)
		}
		return fmt.Errorf("failed to save conversation mapping: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get mapping id: %w", err)
	}
	mapping.ID = id

	return nil
}

// GetMappingByChannelIdentity returns the mapping for the given channel
// identity, or nil when none exists.
func (d *Database) GetMappingByChannelIdentity(ctx context.Context, identity string) (*models.ConversationMapping, error) {
	encryptedIdentity, err := d.encryptor.EncryptForLookupIfEnabled(identity)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt channel identity: %w", err)
	}

	query := `
		SELECT id, channel_identity, crm_contact_id, crm_chat_id,
			   display_name, last_message_at, created_at, updated_at
		FROM conversation_mappings
		WHERE channel_identity = ?
	`

	return d.scanMapping(d.db.QueryRowContext(ctx, query, encryptedIdentity))
}

// GetMappingByCrmChatID is the reverse lookup used by the outbound relay.
func (d *Database) GetMappingByCrmChatID(ctx context.Context, chatID int64) (*models.ConversationMapping, error) {
	query := `
		SELECT id, channel_identity, crm_contact_id, crm_chat_id,
			   display_name, last_message_at, created_at, updated_at
		FROM conversation_mappings
		WHERE crm_chat_id = ?
	`

	return d.scanMapping(d.db.QueryRowContext(ctx, query, chatID))
}

func (d *Database) scanMapping(row *sql.Row) (*models.ConversationMapping, error) {
	var encryptedIdentity string
	var encryptedName sql.NullString
	mapping := &models.ConversationMapping{}

	err := row.Scan(
		&mapping.ID,
		&encryptedIdentity,
		&mapping.CrmContactID,
		&mapping.CrmChatID,
		&encryptedName,
		&mapping.LastMessageAt,
		&mapping.CreatedAt,
		&mapping.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation mapping: %w", err)
	}

	mapping.ChannelIdentity, err = d.encryptor.DecryptIfEnabled(encryptedIdentity)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt channel identity: %w", err)
	}

	if encryptedName.Valid {
		mapping.DisplayName, err = d.encryptor.DecryptIfEnabled(encryptedName.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt display name: %w", err)
		}
	}

	return mapping, nil
}

// TouchMapping updates last_message_at for the given channel identity.
func (d *Database) TouchMapping(ctx context.Context, identity string) error {
	encryptedIdentity, err := d.encryptor.EncryptForLookupIfEnabled(identity)
	if err != nil {
		return fmt.Errorf("failed to encrypt channel identity: %w", err)
	}

	query := `
		UPDATE conversation_mappings
		SET last_message_at = ?, updated_at = ?
		WHERE channel_identity = ?
	`

	now := time.Now().UTC()
	result, err := d.db.ExecContext(ctx, query, now, now, encryptedIdentity)
	if err != nil {
		return fmt.Errorf("failed to touch conversation mapping: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return errors.NewMappingNotFoundError(identity)
	}

	return nil
}

// DeleteMapping removes the mapping for the given channel identity.
func (d *Database) DeleteMapping(ctx context.Context, identity string) error {
	encryptedIdentity, err := d.encryptor.EncryptForLookupIfEnabled(identity)
	if err != nil {
		return fmt.Errorf("failed to encrypt channel identity: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `DELETE FROM conversation_mappings WHERE channel_identity = ?`, encryptedIdentity)
	if err != nil {
		return fmt.Errorf("failed to delete conversation mapping: %w", err)
	}

	return nil
}

// Portal credential operations

// GetPortalCredential returns the stored OAuth state for a tenant, or nil
// when the tenant has never been provisioned.
func (d *Database) GetPortalCredential(ctx context.Context, portalAddress string) (*models.PortalCredential, error) {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(portalAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt portal address: %w", err)
	}

	query := `
		SELECT id, portal_address, client_id, client_secret,
			   access_token, refresh_token, token_expires_at,
			   created_at, updated_at
		FROM portal_credentials
		WHERE portal_address = ?
	`

	var encryptedAddr, encryptedSecret string
	var encryptedAccess, encryptedRefresh sql.NullString
	var expiresAt sql.NullTime
	cred := &models.PortalCredential{}

	err = d.db.QueryRowContext(ctx, query, encryptedAddress).Scan(
		&cred.ID,
		&encryptedAddr,
		&cred.ClientID,
		&encryptedSecret,
		&encryptedAccess,
		&encryptedRefresh,
		&expiresAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get portal credential: %w", err)
	}

	cred.PortalAddress, err = d.encryptor.DecryptIfEnabled(encryptedAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt portal address: %w", err)
	}

	cred.ClientSecret, err = d.encryptor.DecryptIfEnabled(encryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}

	if encryptedAccess.Valid {
		cred.AccessToken, err = d.encryptor.DecryptIfEnabled(encryptedAccess.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}

	if encryptedRefresh.Valid {
		cred.RefreshToken, err = d.encryptor.DecryptIfEnabled(encryptedRefresh.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}

	if expiresAt.Valid {
		cred.TokenExpiresAt = expiresAt.Time
	}

	return cred, nil
}

// SavePortalCredential creates or replaces a tenant record. Used by the
// operator provisioning path only.
func (d *Database) SavePortalCredential(ctx context.Context, cred *models.PortalCredential) error {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(cred.PortalAddress)
	if err != nil {
		return fmt.Errorf("failed to encrypt portal address: %w", err)
	}

	encryptedSecret, err := d.encryptor.EncryptIfEnabled(cred.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	encryptedAccess, err := d.encryptor.EncryptIfEnabled(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	encryptedRefresh, err := d.encryptor.EncryptIfEnabled(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		INSERT INTO portal_credentials (
			portal_address, client_id, client_secret,
			access_token, refresh_token, token_expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(portal_address) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expires_at = excluded.token_expires_at,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = d.db.ExecContext(ctx, query,
		encryptedAddress, cred.ClientID, encryptedSecret,
		encryptedAccess, encryptedRefresh, cred.TokenExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save portal credential: %w", err)
	}

	return nil
}

// UpdatePortalTokens persists a rotated token pair after a successful
// refresh exchange. Nothing but the token triple is touched.
func (d *Database) UpdatePortalTokens(ctx context.Context, portalAddress, accessToken, refreshToken string, expiresAt time.Time) error {
	encryptedAddress, err := d.encryptor.EncryptForLookupIfEnabled(portalAddress)
	if err != nil {
		return fmt.Errorf("failed to encrypt portal address: %w", err)
	}

	encryptedAccess, err := d.encryptor.EncryptIfEnabled(accessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	encryptedRefresh, err := d.encryptor.EncryptIfEnabled(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	query := `
		UPDATE portal_credentials
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE portal_address = ?
	`

	result, err := d.db.ExecContext(ctx, query,
		encryptedAccess, encryptedRefresh, expiresAt, time.Now().UTC(), encryptedAddress)
	if err != nil {
		return fmt.Errorf("failed to update portal tokens: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return errors.NewPortalNotConfiguredError(portalAddress)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
