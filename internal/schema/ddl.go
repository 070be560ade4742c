package schema

// baseDDL creates the three base tables and their default indexes. Every
// statement is idempotent so boot can re-run it safely.
//
// components is LIST-partitioned by type_id; each registered component class
// gets a child table components_<name> FOR VALUES IN its type id. The
// entity_components mirror is a denormalized presence set kept in the same
// transaction as component writes, so "has component" joins never see torn
// state.
const baseDDL = `
CREATE TABLE IF NOT EXISTS entities (
    id uuid PRIMARY KEY,
    created_at timestamptz NOT NULL DEFAULT now(),
    updated_at timestamptz NOT NULL DEFAULT now(),
    deleted_at timestamptz
);

CREATE INDEX IF NOT EXISTS idx_entities_deleted_at ON entities(deleted_at);

CREATE TABLE IF NOT EXISTS components (
    component_id uuid NOT NULL,
    entity_id uuid NOT NULL,
    type_id varchar(64) NOT NULL,
    name varchar(128) NOT NULL,
    data jsonb NOT NULL DEFAULT '{}',
    created_at timestamptz NOT NULL DEFAULT now(),
    updated_at timestamptz NOT NULL DEFAULT now(),
    deleted_at timestamptz,
    PRIMARY KEY (component_id, type_id, entity_id)
) PARTITION BY LIST (type_id);

CREATE INDEX IF NOT EXISTS idx_components_entity_id ON components(entity_id);
CREATE INDEX IF NOT EXISTS idx_components_type_id ON components(type_id);
CREATE INDEX IF NOT EXISTS idx_components_data_gin ON components USING GIN (data);

CREATE TABLE IF NOT EXISTS entity_components (
    entity_id uuid NOT NULL,
    type_id varchar(64) NOT NULL,
    deleted_at timestamptz,
    UNIQUE (entity_id, type_id)
);

CREATE INDEX IF NOT EXISTS idx_entity_components_entity ON entity_components(entity_id);
CREATE INDEX IF NOT EXISTS idx_entity_components_type ON entity_components(type_id);
CREATE INDEX IF NOT EXISTS idx_entity_components_type_entity ON entity_components(type_id, entity_id);
`

// numericGuardRe is the WHERE guard for partial numeric functional indexes.
// It keeps rows whose text value does not parse as a number out of the index
// so the ::numeric cast in the index expression cannot error.
const numericGuardRe = `^-?[0-9]+(\.[0-9]+)?$`
