package protocol

// SchemaDDL defines the SQLite schema for one rig's durable state.
// Tables: beads, agents, mail, review_queue, bead_events, rig_meta, alarm.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Units of work
CREATE TABLE IF NOT EXISTS beads (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    title TEXT NOT NULL,
    body TEXT,
    priority TEXT NOT NULL DEFAULT 'medium',
    labels TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    assignee_agent_id TEXT,
    created_at TEXT NOT NULL,
    closed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_beads_status ON beads(status);
CREATE INDEX IF NOT EXISTS idx_beads_assignee ON beads(assignee_agent_id);

-- Worker identities; identity is the caller-supplied idempotency key
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    name TEXT NOT NULL,
    identity TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'idle',
    current_hook_bead_id TEXT,
    last_activity_at TEXT,
    checkpoint TEXT,
    created_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_identity ON agents(identity);

-- Point-to-point agent mail
CREATE TABLE IF NOT EXISTS mail (
    id TEXT PRIMARY KEY,
    from_agent_id TEXT NOT NULL,
    to_agent_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    body TEXT NOT NULL,
    delivered INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    delivered_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_mail_inbox ON mail(to_agent_id, delivered);

-- Work submitted for integration, processed FIFO
CREATE TABLE IF NOT EXISTS review_queue (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    bead_id TEXT NOT NULL,
    branch TEXT NOT NULL,
    pr_url TEXT,
    summary TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    result_message TEXT,
    commit_sha TEXT,
    created_at TEXT NOT NULL,
    completed_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_review_queue_status ON review_queue(status);

-- Append-only ledger of bead transitions
CREATE TABLE IF NOT EXISTS bead_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bead_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    agent_id TEXT,
    old_value TEXT,
    new_value TEXT,
    metadata TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bead_events_bead ON bead_events(bead_id);

CREATE TRIGGER IF NOT EXISTS bead_events_no_update BEFORE UPDATE ON bead_events BEGIN
    SELECT RAISE(ABORT, 'bead_events is append-only');
END;

CREATE TRIGGER IF NOT EXISTS bead_events_no_delete BEFORE DELETE ON bead_events BEGIN
    SELECT RAISE(ABORT, 'bead_events is append-only');
END;

-- Scalar settings (town_id)
CREATE TABLE IF NOT EXISTS rig_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- The single deferred wake-up slot
CREATE TABLE IF NOT EXISTS alarm (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    armed INTEGER NOT NULL DEFAULT 0,
    wake_at TEXT
);

INSERT OR IGNORE INTO alarm (id, armed) VALUES (1, 0);
`

// MetaTownID is the rig_meta key holding the town registry id.
const MetaTownID = "town_id"
