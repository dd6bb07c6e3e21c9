package schema

// RetentionView is the name of the derived per-account aggregate relation.
// It is a materialized view in Postgres, rebuilt when its shape changes and
// refreshed in place otherwise.
const RetentionView = "retention_view"

// RetentionViewIndex is the unique account-id index required for
// non-blocking (concurrent) refreshes.
const RetentionViewIndex = "ux_retention_view_account_id"
