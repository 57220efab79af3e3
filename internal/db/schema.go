package db

import (
	"strconv"
	"strings"
)

// schemaTemplate is the database schema. {{DIM}} is replaced with the
// embedding dimension at init time.
const schemaTemplate = `
    -- ==========================================================================
    -- MESSAGE (written by ingestion, read-only to the pipeline)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content ON message TYPE string;
    DEFINE FIELD IF NOT EXISTS sent_at ON message TYPE datetime;
    DEFINE FIELD IF NOT EXISTS channel_id ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS thread_id ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS parent_id ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS embedding ON message TYPE option<array<float>>;
    DEFINE INDEX IF NOT EXISTS message_sent_at ON message FIELDS sent_at;
    DEFINE INDEX IF NOT EXISTS message_channel ON message FIELDS channel_id;

    -- ==========================================================================
    -- TOPIC
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS topic SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON topic TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON topic TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON topic TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS is_active ON topic TYPE bool DEFAULT true;
    DEFINE FIELD IF NOT EXISTS keywords ON topic TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS created_at ON topic TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON topic TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS topic_embedding ON topic FIELDS embedding HNSW DIMENSION {{DIM}} DIST COSINE TYPE F32;

    -- ==========================================================================
    -- ATOM
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS atom SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS type ON atom TYPE string
        ASSERT $value IN ["problem", "solution", "decision", "insight", "question", "pattern", "requirement", "blocker"];
    DEFINE FIELD IF NOT EXISTS title ON atom TYPE string;
    DEFINE FIELD IF NOT EXISTS content ON atom TYPE string;
    DEFINE FIELD IF NOT EXISTS confidence ON atom TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS embedding ON atom TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS user_approved ON atom TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS archived ON atom TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON atom TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON atom TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS atom_embedding ON atom FIELDS embedding HNSW DIMENSION {{DIM}} DIST COSINE TYPE F32;
    DEFINE ANALYZER IF NOT EXISTS atom_analyzer TOKENIZERS class FILTERS lowercase, ascii, snowball(english);
    DEFINE INDEX IF NOT EXISTS atom_title_ft ON atom FIELDS title FULLTEXT ANALYZER atom_analyzer BM25;
    DEFINE INDEX IF NOT EXISTS atom_content_ft ON atom FIELDS content FULLTEXT ANALYZER atom_analyzer BM25;

    -- ==========================================================================
    -- RELATIONS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS atom_link TYPE RELATION IN atom OUT atom SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS link_type ON atom_link TYPE string
        ASSERT $value IN ["solves", "supports", "contradicts", "continues", "refines", "relates_to", "depends_on"];
    DEFINE FIELD IF NOT EXISTS strength ON atom_link TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS run_id ON atom_link TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON atom_link TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON atom_link VALUE string::concat(<string>in, "|", <string>out, "|", link_type);
    DEFINE INDEX IF NOT EXISTS unique_atom_link ON atom_link FIELDS unique_key UNIQUE;

    DEFINE TABLE IF NOT EXISTS topic_atom TYPE RELATION IN topic OUT atom SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS position ON topic_atom TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS note ON topic_atom TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS similarity_score ON topic_atom TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS created_at ON topic_atom TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS unique_key ON topic_atom VALUE string::concat(<string>in, "|", <string>out);
    DEFINE INDEX IF NOT EXISTS unique_topic_atom ON topic_atom FIELDS unique_key UNIQUE;

    -- ==========================================================================
    -- VERSIONS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS topic_version SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS entity ON topic_version TYPE record<topic>;
    DEFINE FIELD IF NOT EXISTS version ON topic_version TYPE int ASSERT $value >= 1;
    DEFINE FIELD IF NOT EXISTS data ON topic_version TYPE object;
    DEFINE FIELD IF NOT EXISTS data.name ON topic_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS data.description ON topic_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS data.keywords ON topic_version TYPE option<array<string>>;
    DEFINE FIELD IF NOT EXISTS embedding ON topic_version TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS approved ON topic_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS approved_at ON topic_version TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS rejected ON topic_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS reviewed_at ON topic_version TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS reviewed_by ON topic_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS auto_reviewed ON topic_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_by ON topic_version TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON topic_version TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS topic_version_unique ON topic_version FIELDS entity, version UNIQUE;
    DEFINE INDEX IF NOT EXISTS topic_version_approved ON topic_version FIELDS approved;

    DEFINE TABLE IF NOT EXISTS atom_version SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS entity ON atom_version TYPE record<atom>;
    DEFINE FIELD IF NOT EXISTS version ON atom_version TYPE int ASSERT $value >= 1;
    DEFINE FIELD IF NOT EXISTS data ON atom_version TYPE object;
    DEFINE FIELD IF NOT EXISTS data.type ON atom_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS data.title ON atom_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS data.content ON atom_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS data.confidence ON atom_version TYPE option<float>;
    DEFINE FIELD IF NOT EXISTS embedding ON atom_version TYPE option<array<float>>;
    DEFINE FIELD IF NOT EXISTS approved ON atom_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS approved_at ON atom_version TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS rejected ON atom_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS reviewed_at ON atom_version TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS reviewed_by ON atom_version TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS auto_reviewed ON atom_version TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_by ON atom_version TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON atom_version TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS atom_version_unique ON atom_version FIELDS entity, version UNIQUE;
    DEFINE INDEX IF NOT EXISTS atom_version_approved ON atom_version FIELDS approved;

    -- ==========================================================================
    -- EXTRACTION RUNS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS extraction_run SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS agent_config_id ON extraction_run TYPE string;
    DEFINE FIELD IF NOT EXISTS task_id ON extraction_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS status ON extraction_run TYPE string
        ASSERT $value IN ["pending", "running", "completed", "failed", "cancelled"];
    DEFINE FIELD IF NOT EXISTS cancel_requested ON extraction_run TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS message_ids ON extraction_run TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS filters ON extraction_run TYPE object;
    DEFINE FIELD IF NOT EXISTS filters.channel_ids ON extraction_run TYPE option<array<string>>;
    DEFINE FIELD IF NOT EXISTS filters.lookback_hours ON extraction_run TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS counters ON extraction_run TYPE object;
    DEFINE FIELD IF NOT EXISTS counters.messages_processed ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.topics_created ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.atoms_created ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.links_created ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.versions_created ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.batches_total ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.batches_processed ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS counters.batches_failed ON extraction_run TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS claimed_by ON extraction_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS started_at ON extraction_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS completed_at ON extraction_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS cancelled_at ON extraction_run TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS error ON extraction_run TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON extraction_run TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS extraction_run_status ON extraction_run FIELDS status;

    -- ==========================================================================
    -- GOVERNANCE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS approval_rule SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON approval_rule TYPE string;
    DEFINE FIELD IF NOT EXISTS confidence_threshold ON approval_rule TYPE float ASSERT $value >= 0 AND $value <= 100;
    DEFINE FIELD IF NOT EXISTS similarity_threshold ON approval_rule TYPE float ASSERT $value >= 0 AND $value <= 100;
    DEFINE FIELD IF NOT EXISTS auto_action ON approval_rule TYPE string
        ASSERT $value IN ["approve", "reject", "manual_review"];
    DEFINE FIELD IF NOT EXISTS active ON approval_rule TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created_at ON approval_rule TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS approval_rule_active ON approval_rule FIELDS active;

    -- ==========================================================================
    -- DEAD LETTERS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS failed_task SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS task_name ON failed_task TYPE string;
    DEFINE FIELD IF NOT EXISTS task_args ON failed_task TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS error_message ON failed_task TYPE string;
    DEFINE FIELD IF NOT EXISTS error_traceback ON failed_task TYPE string;
    DEFINE FIELD IF NOT EXISTS attempts ON failed_task TYPE int;
    DEFINE FIELD IF NOT EXISTS status ON failed_task TYPE string
        ASSERT $value IN ["failed", "retrying", "abandoned"];
    DEFINE FIELD IF NOT EXISTS created_at ON failed_task TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON failed_task TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS failed_task_status ON failed_task FIELDS status;

    -- ==========================================================================
    -- AGENTS & SCHEDULED TASKS
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS agent_config SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON agent_config TYPE string;
    DEFINE FIELD IF NOT EXISTS provider ON agent_config TYPE string;
    DEFINE FIELD IF NOT EXISTS model ON agent_config TYPE string;
    DEFINE FIELD IF NOT EXISTS language ON agent_config TYPE string;
    DEFINE FIELD IF NOT EXISTS system_prompt ON agent_config TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS created_at ON agent_config TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS agent_config_name ON agent_config FIELDS name UNIQUE;

    DEFINE TABLE IF NOT EXISTS extraction_task SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON extraction_task TYPE string;
    DEFINE FIELD IF NOT EXISTS agent_config_id ON extraction_task TYPE string;
    DEFINE FIELD IF NOT EXISTS schedule ON extraction_task TYPE string;
    DEFINE FIELD IF NOT EXISTS enabled ON extraction_task TYPE bool DEFAULT true;
    DEFINE FIELD IF NOT EXISTS channel_ids ON extraction_task TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS message_threshold ON extraction_task TYPE int;
    DEFINE FIELD IF NOT EXISTS lookback_hours ON extraction_task TYPE int;
    DEFINE FIELD IF NOT EXISTS auto_approve_enabled ON extraction_task TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS confidence_threshold ON extraction_task TYPE float;
    DEFINE FIELD IF NOT EXISTS allowed_atom_types ON extraction_task TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS last_run_at ON extraction_task TYPE option<datetime>;
    DEFINE FIELD IF NOT EXISTS created_at ON extraction_task TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS extraction_task_name ON extraction_task FIELDS name UNIQUE;
`

// SchemaSQL returns the schema with the HNSW dimension filled in.
func SchemaSQL(dimension int) string {
	return strings.ReplaceAll(schemaTemplate, "{{DIM}}", strconv.Itoa(dimension))
}
