package database

// Initial schema. Two tables: conversation mappings (the bridge's source of
// truth) and portal credentials (per-tenant OAuth state).
const initialSchema = `
CREATE TABLE IF NOT EXISTS conversation_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_identity TEXT NOT NULL UNIQUE,
    crm_contact_id INTEGER NOT NULL,
    crm_chat_id INTEGER NOT NULL UNIQUE,
    display_name TEXT,
    last_message_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_conversation_mappings_crm_chat_id
    ON conversation_mappings(crm_chat_id);

CREATE TABLE IF NOT EXISTS portal_credentials (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    portal_address TEXT NOT NULL UNIQUE,
    client_id TEXT NOT NULL,
    client_secret TEXT NOT NULL,
    access_token TEXT,
    refresh_token TEXT,
    token_expires_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`
