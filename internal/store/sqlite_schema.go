package store

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pricing_zones (
	tenant_id         TEXT NOT NULL,
	position          INTEGER NOT NULL,
	name              TEXT NOT NULL,
	postal_code       TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	base_multiplier   REAL NOT NULL DEFAULT 1.0,
	labor_rate        REAL NOT NULL DEFAULT 45,
	material_markup   REAL NOT NULL DEFAULT 0,
	market_demand     TEXT NOT NULL DEFAULT 'normal',
	competition_level TEXT NOT NULL DEFAULT 'moderate',
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS property_types (
	tenant_id             TEXT NOT NULL,
	position              INTEGER NOT NULL,
	name                  TEXT NOT NULL,
	base_price            REAL NOT NULL,
	per_foot_price        REAL NOT NULL,
	difficulty_multiplier REAL NOT NULL DEFAULT 1.0,
	install_hours         REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS terrain_modifiers (
	tenant_id             TEXT NOT NULL,
	position              INTEGER NOT NULL,
	name                  TEXT NOT NULL,
	difficulty_multiplier REAL NOT NULL DEFAULT 1.0,
	additional_hours      REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS distance_pricing (
	tenant_id       TEXT NOT NULL,
	position        INTEGER NOT NULL,
	min_miles       REAL NOT NULL,
	max_miles       REAL NOT NULL DEFAULT 0,
	trip_charge     REAL NOT NULL DEFAULT 0,
	per_mile_charge REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, min_miles)
);

CREATE TABLE IF NOT EXISTS service_centers (
	tenant_id TEXT NOT NULL,
	position  INTEGER NOT NULL,
	name      TEXT NOT NULL,
	lat       REAL NOT NULL,
	lon       REAL NOT NULL,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS service_tiers (
	tenant_id   TEXT NOT NULL,
	position    INTEGER NOT NULL,
	name        TEXT NOT NULL,
	monthly_fee REAL NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS scheduling_discounts (
	tenant_id          TEXT NOT NULL,
	position           INTEGER NOT NULL,
	name               TEXT NOT NULL,
	family             TEXT NOT NULL DEFAULT 'cluster',
	min_jobs           INTEGER NOT NULL DEFAULT 0,
	max_jobs           INTEGER NOT NULL DEFAULT 0,
	percentage         REAL NOT NULL DEFAULT 0,
	fixed_amount       REAL NOT NULL DEFAULT 0,
	fuel_savings_share REAL NOT NULL DEFAULT 0,
	active             INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS approval_rules (
	tenant_id            TEXT NOT NULL,
	position             INTEGER NOT NULL,
	name                 TEXT NOT NULL,
	rule_type            TEXT NOT NULL,
	condition            TEXT NOT NULL DEFAULT '',
	threshold_amount     REAL NOT NULL DEFAULT 0,
	threshold_percentage REAL NOT NULL DEFAULT 0,
	required_level       TEXT NOT NULL DEFAULT 'manager',
	active               INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (tenant_id, position),
	UNIQUE (tenant_id, name)
);

CREATE TABLE IF NOT EXISTS quote_history (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	property_type       TEXT NOT NULL,
	perimeter_feet      REAL NOT NULL,
	zone_name           TEXT NOT NULL,
	street              TEXT NOT NULL DEFAULT '',
	city                TEXT NOT NULL DEFAULT '',
	state               TEXT NOT NULL DEFAULT '',
	postal_code         TEXT NOT NULL DEFAULT '',
	lat                 REAL,
	lon                 REAL,
	preferred_date      TEXT,
	date_start          TEXT,
	date_end            TEXT,
	flexible_scheduling INTEGER NOT NULL DEFAULT 0,
	job_minutes         INTEGER NOT NULL DEFAULT 0,
	original_price      REAL NOT NULL,
	final_price         REAL NOT NULL,
	discount_amount     REAL NOT NULL DEFAULT 0,
	discount_percentage REAL NOT NULL DEFAULT 0,
	breakdown           TEXT,
	selected_option     TEXT,
	cluster_id          TEXT NOT NULL DEFAULT '',
	customer_id         TEXT NOT NULL DEFAULT '',
	requested_by        TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL DEFAULT '',
	updated_at          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_quote_history_tenant_status ON quote_history(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_quote_history_similar ON quote_history(tenant_id, lower(property_type), perimeter_feet);

CREATE TABLE IF NOT EXISTS job_clusters (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	service_date  TEXT NOT NULL,
	technician_id TEXT NOT NULL DEFAULT '',
	center_lat    REAL NOT NULL,
	center_lon    REAL NOT NULL,
	radius_miles  REAL NOT NULL,
	job_count     INTEGER NOT NULL DEFAULT 0,
	max_jobs      INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL DEFAULT '',
	updated_at    TEXT NOT NULL DEFAULT '',
	CHECK (job_count >= 0 AND job_count <= max_jobs)
);

CREATE INDEX IF NOT EXISTS idx_job_clusters_open ON job_clusters(tenant_id, status, service_date);

CREATE TABLE IF NOT EXISTS cluster_jobs (
	id                   TEXT PRIMARY KEY,
	tenant_id            TEXT NOT NULL,
	cluster_id           TEXT NOT NULL REFERENCES job_clusters(id) ON DELETE CASCADE,
	quote_id             TEXT NOT NULL DEFAULT '',
	lat                  REAL NOT NULL,
	lon                  REAL NOT NULL,
	distance_from_center REAL NOT NULL DEFAULT 0,
	schedule_order       INTEGER NOT NULL,
	duration_minutes     INTEGER NOT NULL DEFAULT 0,
	added_at             TEXT NOT NULL DEFAULT '',
	UNIQUE (cluster_id, schedule_order)
);

CREATE INDEX IF NOT EXISTS idx_cluster_jobs_cluster ON cluster_jobs(cluster_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_cluster_jobs_quote ON cluster_jobs(quote_id) WHERE quote_id <> '';

CREATE TABLE IF NOT EXISTS route_cache (
	cluster_id  TEXT PRIMARY KEY REFERENCES job_clusters(id) ON DELETE CASCADE,
	tenant_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	route       TEXT NOT NULL,
	computed_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS pricing_approvals (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	quote_id            TEXT NOT NULL,
	original_price      REAL NOT NULL,
	requested_price     REAL NOT NULL,
	discount_percentage REAL NOT NULL DEFAULT 0,
	triggers            TEXT NOT NULL DEFAULT '[]',
	required_level      TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'pending',
	current_step        INTEGER NOT NULL DEFAULT 0,
	requested_by        TEXT NOT NULL DEFAULT '',
	final_decision      TEXT NOT NULL DEFAULT '',
	version             INTEGER NOT NULL DEFAULT 1,
	expires_at          TEXT NOT NULL,
	created_at          TEXT NOT NULL DEFAULT '',
	updated_at          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pricing_approvals_pending ON pricing_approvals(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_pricing_approvals_quote ON pricing_approvals(tenant_id, quote_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS uq_pricing_approvals_open ON pricing_approvals(tenant_id, quote_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS approval_steps (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	approval_id TEXT NOT NULL REFERENCES pricing_approvals(id) ON DELETE CASCADE,
	step_order  INTEGER NOT NULL,
	level       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'pending',
	approver_id TEXT NOT NULL DEFAULT '',
	comments    TEXT NOT NULL DEFAULT '',
	decided_at  TEXT,
	UNIQUE (approval_id, step_order)
);

CREATE TABLE IF NOT EXISTS competitor_pricing (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant_id     TEXT NOT NULL,
	competitor    TEXT NOT NULL,
	property_type TEXT NOT NULL,
	price         REAL NOT NULL,
	observed_at   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_competitor_pricing_lookup ON competitor_pricing(tenant_id, lower(property_type), observed_at);

CREATE TABLE IF NOT EXISTS pricing_alerts (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	quote_id    TEXT NOT NULL,
	approval_id TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	rule_name   TEXT NOT NULL DEFAULT '',
	severity    TEXT NOT NULL,
	message     TEXT NOT NULL,
	observed    REAL NOT NULL DEFAULT 0,
	reference   REAL NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pricing_alerts_tenant ON pricing_alerts(tenant_id, created_at);
`
