package sql

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// isUniqueViolation reports whether err is a unique or primary key
// violation raised by either supported driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to domain.ErrAlreadyExists.
func wrapUniqueError(err error) error {
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New creates a new SQL store and applies pending migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// SQLite allows a single writer; serialize on one connection so
	// concurrent check-ins queue instead of failing with SQLITE_BUSY.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// inTx runs fn in a transaction of its own. Writes spanning a parent row
// and its child rows go through here so a failure leaves nothing behind.
func (s *Store) inTx(ctx context.Context, fn func(db dbInterface) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// encodeArgs stores flow arguments as a JSON object.
func encodeArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshaling flow args: %w", err)
	}
	return string(data), nil
}

// decodeArgs reverses encodeArgs. Integral numbers come back as int64 so a
// reloaded rule dispatches the same argument types it was installed with.
func decodeArgs(data string) (map[string]any, error) {
	if data == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var args map[string]any
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("unmarshaling flow args: %w", err)
	}
	for k, v := range args {
		args[k] = normalizeNumber(v)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

func normalizeNumber(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case map[string]any:
		for k, inner := range val {
			val[k] = normalizeNumber(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = normalizeNumber(inner)
		}
		return val
	default:
		return v
	}
}

// ============================================
// API Keys
// ============================================

func createAPIKey(ctx context.Context, db dbInterface, key *domain.APIKey) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.LastUsedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, s.db, key)
}

func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, t.tx, key)
}

func getAPIKeyByHash(ctx context.Context, db dbInterface, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.GetContext(ctx, &key,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys WHERE key_hash = $1`, keyHash)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, s.db, keyHash)
}

func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, t.tx, keyHash)
}

func listAPIKeys(ctx context.Context, db dbInterface) ([]*domain.APIKey, error) {
	var keys []*domain.APIKey
	err := db.SelectContext(ctx, &keys,
		`SELECT id, name, key_hash, key_prefix, created_at, last_used_at FROM api_keys ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, s.db)
}

func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, t.tx)
}

func deleteAPIKey(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, s.db, id)
}

func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, t.tx, id)
}

func updateAPIKeyLastUsed(ctx context.Context, db dbInterface, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, s.db, id)
}

func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, t.tx, id)
}

func countAPIKeys(ctx context.Context, db dbInterface) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, s.db)
}

func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, t.tx)
}

// ============================================
// Hunts
// ============================================

const huntColumns = `id, description, flow_name, flow_args_json, predicates_json, collect_replies,
	requires_approval, state, rule_id, approval_id, expiry_seconds, creator, stop_reason,
	client_count, created_at, updated_at, activated_at, stopped_at`

// huntRow adds the JSON columns that domain.Hunt keeps as Go values.
type huntRow struct {
	domain.Hunt
	FlowArgsJSON   string `db:"flow_args_json"`
	PredicatesJSON string `db:"predicates_json"`
}

func rowToHunt(row *huntRow) (*domain.Hunt, error) {
	h := row.Hunt
	args, err := decodeArgs(row.FlowArgsJSON)
	if err != nil {
		return nil, err
	}
	h.FlowArgs = args
	if row.PredicatesJSON != "" {
		if err := json.Unmarshal([]byte(row.PredicatesJSON), &h.Predicates); err != nil {
			return nil, fmt.Errorf("unmarshaling predicates: %w", err)
		}
	}
	return &h, nil
}

func encodeHunt(hunt *domain.Hunt) (argsJSON, predsJSON string, err error) {
	argsJSON, err = encodeArgs(hunt.FlowArgs)
	if err != nil {
		return "", "", err
	}
	preds := hunt.Predicates
	if preds == nil {
		preds = []domain.Predicate{}
	}
	data, err := json.Marshal(preds)
	if err != nil {
		return "", "", fmt.Errorf("marshaling predicates: %w", err)
	}
	return argsJSON, string(data), nil
}

func createHunt(ctx context.Context, db dbInterface, hunt *domain.Hunt) error {
	argsJSON, predsJSON, err := encodeHunt(hunt)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO hunts (`+huntColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		hunt.ID, hunt.Description, hunt.FlowName, argsJSON, predsJSON, hunt.CollectReplies,
		hunt.RequiresApproval, hunt.State, hunt.RuleID, hunt.ApprovalID, hunt.ExpirySeconds,
		hunt.Creator, hunt.StopReason, hunt.ClientCount, hunt.CreatedAt, hunt.UpdatedAt,
		hunt.ActivatedAt, hunt.StoppedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return createHunt(ctx, s.db, hunt)
}

func (t *Tx) CreateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return createHunt(ctx, t.tx, hunt)
}

func getHunt(ctx context.Context, db dbInterface, id string) (*domain.Hunt, error) {
	var row huntRow
	err := db.GetContext(ctx, &row, `SELECT `+huntColumns+` FROM hunts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToHunt(&row)
}

func (s *Store) GetHunt(ctx context.Context, id string) (*domain.Hunt, error) {
	return getHunt(ctx, s.db, id)
}

func (t *Tx) GetHunt(ctx context.Context, id string) (*domain.Hunt, error) {
	return getHunt(ctx, t.tx, id)
}

func listHunts(ctx context.Context, db dbInterface, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	var rows []huntRow
	var err error
	if filter.State != "" {
		err = db.SelectContext(ctx, &rows,
			`SELECT `+huntColumns+` FROM hunts WHERE state = $1 ORDER BY created_at`, filter.State)
	} else {
		err = db.SelectContext(ctx, &rows, `SELECT `+huntColumns+` FROM hunts ORDER BY created_at`)
	}
	if err != nil {
		return nil, err
	}
	hunts := make([]*domain.Hunt, 0, len(rows))
	for i := range rows {
		h, err := rowToHunt(&rows[i])
		if err != nil {
			return nil, err
		}
		hunts = append(hunts, h)
	}
	return hunts, nil
}

func (s *Store) ListHunts(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	return listHunts(ctx, s.db, filter)
}

func (t *Tx) ListHunts(ctx context.Context, filter domain.HuntListFilter) ([]*domain.Hunt, error) {
	return listHunts(ctx, t.tx, filter)
}

func updateHunt(ctx context.Context, db dbInterface, hunt *domain.Hunt) error {
	argsJSON, predsJSON, err := encodeHunt(hunt)
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx,
		`UPDATE hunts SET description = $1, flow_name = $2, flow_args_json = $3, predicates_json = $4,
		 collect_replies = $5, requires_approval = $6, state = $7, rule_id = $8, approval_id = $9,
		 expiry_seconds = $10, stop_reason = $11, client_count = $12, updated_at = $13,
		 activated_at = $14, stopped_at = $15
		 WHERE id = $16`,
		hunt.Description, hunt.FlowName, argsJSON, predsJSON, hunt.CollectReplies,
		hunt.RequiresApproval, hunt.State, hunt.RuleID, hunt.ApprovalID, hunt.ExpirySeconds,
		hunt.StopReason, hunt.ClientCount, hunt.UpdatedAt, hunt.ActivatedAt, hunt.StoppedAt,
		hunt.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return updateHunt(ctx, s.db, hunt)
}

func (t *Tx) UpdateHunt(ctx context.Context, hunt *domain.Hunt) error {
	return updateHunt(ctx, t.tx, hunt)
}

// ============================================
// Rules
// ============================================

type actionRow struct {
	HuntID         string `db:"hunt_id"`
	FlowName       string `db:"flow_name"`
	FlowArgsJSON   string `db:"flow_args_json"`
	CollectReplies bool   `db:"collect_replies"`
}

func createRule(ctx context.Context, db dbInterface, rule *domain.Rule) error {
	// seq records installation order; rules are listed back in that order.
	_, err := db.ExecContext(ctx,
		`INSERT INTO rules (id, hunt_id, seq, created_at, expires_at)
		 VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM rules), $3, $4)`,
		rule.ID, rule.HuntID, rule.CreatedAt, rule.ExpiresAt)
	if err != nil {
		return wrapUniqueError(err)
	}
	return insertRuleChildren(ctx, db, rule)
}

func insertRuleChildren(ctx context.Context, db dbInterface, rule *domain.Rule) error {
	for i, r := range rule.RegexRules {
		_, err := db.ExecContext(ctx,
			`INSERT INTO rule_regex (rule_id, seq, attribute_name, pattern) VALUES ($1, $2, $3, $4)`,
			rule.ID, i, r.AttributeName, r.Pattern)
		if err != nil {
			return err
		}
	}
	for i, r := range rule.IntegerRules {
		_, err := db.ExecContext(ctx,
			`INSERT INTO rule_integer (rule_id, seq, attribute_name, operator, value) VALUES ($1, $2, $3, $4, $5)`,
			rule.ID, i, r.AttributeName, r.Operator, r.Value)
		if err != nil {
			return err
		}
	}
	for i, a := range rule.Actions {
		argsJSON, err := encodeArgs(a.FlowArgs)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO rule_actions (rule_id, seq, hunt_id, flow_name, flow_args_json, collect_replies)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			rule.ID, i, a.HuntID, a.FlowName, argsJSON, a.CollectReplies)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return s.inTx(ctx, func(db dbInterface) error { return createRule(ctx, db, rule) })
}

func (t *Tx) CreateRule(ctx context.Context, rule *domain.Rule) error {
	return createRule(ctx, t.tx, rule)
}

func loadRuleChildren(ctx context.Context, db dbInterface, rule *domain.Rule) error {
	if err := db.SelectContext(ctx, &rule.RegexRules,
		`SELECT attribute_name, pattern FROM rule_regex WHERE rule_id = $1 ORDER BY seq`, rule.ID); err != nil {
		return err
	}
	if err := db.SelectContext(ctx, &rule.IntegerRules,
		`SELECT attribute_name, operator, value FROM rule_integer WHERE rule_id = $1 ORDER BY seq`, rule.ID); err != nil {
		return err
	}
	var actions []actionRow
	if err := db.SelectContext(ctx, &actions,
		`SELECT hunt_id, flow_name, flow_args_json, collect_replies FROM rule_actions WHERE rule_id = $1 ORDER BY seq`,
		rule.ID); err != nil {
		return err
	}
	rule.Actions = make([]domain.Action, 0, len(actions))
	for _, a := range actions {
		args, err := decodeArgs(a.FlowArgsJSON)
		if err != nil {
			return err
		}
		rule.Actions = append(rule.Actions, domain.Action{
			HuntID:         a.HuntID,
			FlowName:       a.FlowName,
			FlowArgs:       args,
			CollectReplies: a.CollectReplies,
		})
	}
	if len(rule.RegexRules) == 0 {
		rule.RegexRules = nil
	}
	if len(rule.IntegerRules) == 0 {
		rule.IntegerRules = nil
	}
	return nil
}

func getRule(ctx context.Context, db dbInterface, id string) (*domain.Rule, error) {
	var rule domain.Rule
	err := db.GetContext(ctx, &rule,
		`SELECT id, hunt_id, created_at, expires_at FROM rules WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadRuleChildren(ctx, db, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	return getRule(ctx, s.db, id)
}

func (t *Tx) GetRule(ctx context.Context, id string) (*domain.Rule, error) {
	return getRule(ctx, t.tx, id)
}

func listRules(ctx context.Context, db dbInterface) ([]*domain.Rule, error) {
	var rules []*domain.Rule
	err := db.SelectContext(ctx, &rules,
		`SELECT id, hunt_id, created_at, expires_at FROM rules ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if err := loadRuleChildren(ctx, db, r); err != nil {
			return nil, err
		}
	}
	return rules, nil
}

func (s *Store) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return listRules(ctx, s.db)
}

func (t *Tx) ListRules(ctx context.Context) ([]*domain.Rule, error) {
	return listRules(ctx, t.tx)
}

func deleteRule(ctx context.Context, db dbInterface, id string) error {
	// Children are removed explicitly; SQLite only cascades with foreign_keys on.
	for _, table := range []string{"rule_regex", "rule_integer", "rule_actions"} {
		if _, err := db.ExecContext(ctx, `DELETE FROM `+table+` WHERE rule_id = $1`, id); err != nil {
			return err
		}
	}
	result, err := db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	return s.inTx(ctx, func(db dbInterface) error { return deleteRule(ctx, db, id) })
}

func (t *Tx) DeleteRule(ctx context.Context, id string) error {
	return deleteRule(ctx, t.tx, id)
}

// ============================================
// Processed markers
// ============================================

func createProcessedMarker(ctx context.Context, db dbInterface, marker *domain.ProcessedMarker) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO processed_markers (rule_id, endpoint_id, processed_at) VALUES ($1, $2, $3)`,
		marker.RuleID, marker.EndpointID, marker.ProcessedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateProcessedMarker(ctx context.Context, marker *domain.ProcessedMarker) error {
	return createProcessedMarker(ctx, s.db, marker)
}

func (t *Tx) CreateProcessedMarker(ctx context.Context, marker *domain.ProcessedMarker) error {
	return createProcessedMarker(ctx, t.tx, marker)
}

func listProcessedMarkers(ctx context.Context, db dbInterface, ruleID string) ([]*domain.ProcessedMarker, error) {
	var markers []*domain.ProcessedMarker
	err := db.SelectContext(ctx, &markers,
		`SELECT rule_id, endpoint_id, processed_at FROM processed_markers WHERE rule_id = $1 ORDER BY endpoint_id`,
		ruleID)
	if err != nil {
		return nil, err
	}
	return markers, nil
}

func (s *Store) ListProcessedMarkers(ctx context.Context, ruleID string) ([]*domain.ProcessedMarker, error) {
	return listProcessedMarkers(ctx, s.db, ruleID)
}

func (t *Tx) ListProcessedMarkers(ctx context.Context, ruleID string) ([]*domain.ProcessedMarker, error) {
	return listProcessedMarkers(ctx, t.tx, ruleID)
}

func countProcessedMarkers(ctx context.Context, db dbInterface, ruleID string) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM processed_markers WHERE rule_id = $1`, ruleID)
	return count, err
}

func (s *Store) CountProcessedMarkers(ctx context.Context, ruleID string) (int, error) {
	return countProcessedMarkers(ctx, s.db, ruleID)
}

func (t *Tx) CountProcessedMarkers(ctx context.Context, ruleID string) (int, error) {
	return countProcessedMarkers(ctx, t.tx, ruleID)
}

func deleteProcessedMarkers(ctx context.Context, db dbInterface, ruleID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM processed_markers WHERE rule_id = $1`, ruleID)
	return err
}

func (s *Store) DeleteProcessedMarkers(ctx context.Context, ruleID string) error {
	return deleteProcessedMarkers(ctx, s.db, ruleID)
}

func (t *Tx) DeleteProcessedMarkers(ctx context.Context, ruleID string) error {
	return deleteProcessedMarkers(ctx, t.tx, ruleID)
}

// ============================================
// Approval requests
// ============================================

const approvalColumns = `id, hunt_id, requestor, reason, state, created_at, expires_at, resolved_at`

func createApprovalRequest(ctx context.Context, db dbInterface, req *domain.ApprovalRequest) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.ID, req.HuntID, req.Requestor, req.Reason, req.State, req.CreatedAt, req.ExpiresAt, req.ResolvedAt)
	if err != nil {
		return wrapUniqueError(err)
	}
	for i, identity := range req.Candidates {
		_, err := db.ExecContext(ctx,
			`INSERT INTO approval_candidates (request_id, seq, identity) VALUES ($1, $2, $3)`,
			req.ID, i, identity)
		if err != nil {
			return err
		}
	}
	for i, addr := range req.EmailCC {
		_, err := db.ExecContext(ctx,
			`INSERT INTO approval_email_cc (request_id, seq, address) VALUES ($1, $2, $3)`,
			req.ID, i, addr)
		if err != nil {
			return err
		}
	}
	return insertApprovalGrants(ctx, db, req.ID, req.Grants)
}

func insertApprovalGrants(ctx context.Context, db dbInterface, requestID string, grants []domain.ApprovalGrant) error {
	for i, g := range grants {
		_, err := db.ExecContext(ctx,
			`INSERT INTO approval_grants (request_id, seq, grantor, granted_at) VALUES ($1, $2, $3, $4)`,
			requestID, i, g.Grantor, g.GrantedAt)
		if err != nil {
			return wrapUniqueError(err)
		}
	}
	return nil
}

func (s *Store) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return s.inTx(ctx, func(db dbInterface) error { return createApprovalRequest(ctx, db, req) })
}

func (t *Tx) CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return createApprovalRequest(ctx, t.tx, req)
}

func loadApprovalChildren(ctx context.Context, db dbInterface, req *domain.ApprovalRequest) error {
	if err := db.SelectContext(ctx, &req.Candidates,
		`SELECT identity FROM approval_candidates WHERE request_id = $1 ORDER BY seq`, req.ID); err != nil {
		return err
	}
	if err := db.SelectContext(ctx, &req.EmailCC,
		`SELECT address FROM approval_email_cc WHERE request_id = $1 ORDER BY seq`, req.ID); err != nil {
		return err
	}
	if err := db.SelectContext(ctx, &req.Grants,
		`SELECT grantor, granted_at FROM approval_grants WHERE request_id = $1 ORDER BY seq`, req.ID); err != nil {
		return err
	}
	if len(req.Candidates) == 0 {
		req.Candidates = nil
	}
	if len(req.EmailCC) == 0 {
		req.EmailCC = nil
	}
	if len(req.Grants) == 0 {
		req.Grants = nil
	}
	return nil
}

func getApprovalRequest(ctx context.Context, db dbInterface, id string) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	err := db.GetContext(ctx, &req, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := loadApprovalChildren(ctx, db, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return getApprovalRequest(ctx, s.db, id)
}

func (t *Tx) GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	return getApprovalRequest(ctx, t.tx, id)
}

func listApprovalRequests(ctx context.Context, db dbInterface, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests`
	var where []string
	var args []any
	if filter.HuntID != "" {
		args = append(args, filter.HuntID)
		where = append(where, fmt.Sprintf("hunt_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"

	var reqs []*domain.ApprovalRequest
	if err := db.SelectContext(ctx, &reqs, query, args...); err != nil {
		return nil, err
	}
	for _, req := range reqs {
		if err := loadApprovalChildren(ctx, db, req); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

func (s *Store) ListApprovalRequests(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error) {
	return listApprovalRequests(ctx, s.db, filter)
}

func (t *Tx) ListApprovalRequests(ctx context.Context, filter domain.ApprovalListFilter) ([]*domain.ApprovalRequest, error) {
	return listApprovalRequests(ctx, t.tx, filter)
}

func updateApprovalRequest(ctx context.Context, db dbInterface, req *domain.ApprovalRequest) error {
	result, err := db.ExecContext(ctx,
		`UPDATE approval_requests SET state = $1, expires_at = $2, resolved_at = $3 WHERE id = $4`,
		req.State, req.ExpiresAt, req.ResolvedAt, req.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	// Grants only ever grow; rewrite them in order.
	if _, err := db.ExecContext(ctx, `DELETE FROM approval_grants WHERE request_id = $1`, req.ID); err != nil {
		return err
	}
	return insertApprovalGrants(ctx, db, req.ID, req.Grants)
}

// UpdateApprovalRequest rewrites the request's state and grants in one
// transaction so readers never see a partial grant list.
func (s *Store) UpdateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return s.inTx(ctx, func(db dbInterface) error { return updateApprovalRequest(ctx, db, req) })
}

func (t *Tx) UpdateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error {
	return updateApprovalRequest(ctx, t.tx, req)
}

// ============================================
// Endpoints
// ============================================

type endpointRow struct {
	ID             string    `db:"id"`
	AttributesJSON string    `db:"attributes_json"`
	LastSeen       time.Time `db:"last_seen"`
}

func rowToEndpoint(row *endpointRow) (*domain.Endpoint, error) {
	ep := &domain.Endpoint{ID: row.ID, LastSeen: row.LastSeen}
	if row.AttributesJSON != "" {
		if err := json.Unmarshal([]byte(row.AttributesJSON), &ep.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshaling endpoint attributes: %w", err)
		}
	}
	return ep, nil
}

func upsertEndpoint(ctx context.Context, db dbInterface, endpoint *domain.Endpoint) error {
	attrs := endpoint.Attributes
	if attrs == nil {
		attrs = domain.AttributeSnapshot{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshaling endpoint attributes: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO endpoints (id, attributes_json, last_seen) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET attributes_json = excluded.attributes_json, last_seen = excluded.last_seen`,
		endpoint.ID, string(data), endpoint.LastSeen)
	return err
}

func (s *Store) UpsertEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	return upsertEndpoint(ctx, s.db, endpoint)
}

func (t *Tx) UpsertEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	return upsertEndpoint(ctx, t.tx, endpoint)
}

func getEndpoint(ctx context.Context, db dbInterface, id string) (*domain.Endpoint, error) {
	var row endpointRow
	err := db.GetContext(ctx, &row, `SELECT id, attributes_json, last_seen FROM endpoints WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToEndpoint(&row)
}

func (s *Store) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	return getEndpoint(ctx, s.db, id)
}

func (t *Tx) GetEndpoint(ctx context.Context, id string) (*domain.Endpoint, error) {
	return getEndpoint(ctx, t.tx, id)
}

func listEndpoints(ctx context.Context, db dbInterface) ([]*domain.Endpoint, error) {
	var rows []endpointRow
	if err := db.SelectContext(ctx, &rows, `SELECT id, attributes_json, last_seen FROM endpoints ORDER BY id`); err != nil {
		return nil, err
	}
	eps := make([]*domain.Endpoint, 0, len(rows))
	for i := range rows {
		ep, err := rowToEndpoint(&rows[i])
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	return listEndpoints(ctx, s.db)
}

func (t *Tx) ListEndpoints(ctx context.Context) ([]*domain.Endpoint, error) {
	return listEndpoints(ctx, t.tx)
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*Tx)(nil)
)
