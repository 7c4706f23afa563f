package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/openviking/openviking/internal/errs"
)

// SQLiteCollection is a SQLite-backed Collection. Vectors are stored
// JSON-encoded and scored in-process; filterable metadata is projected
// into indexed columns so the common predicates (uri prefix, context
// type, user, time range) narrow the scan in SQL.
type SQLiteCollection struct {
	db        *sql.DB
	dimension int
	writeMu   sync.Mutex
	closing   atomic.Bool
}

// NewSQLiteCollection opens (or creates) a collection at path. The path
// can be ":memory:" for tests.
func NewSQLiteCollection(path string, dimension int) (*SQLiteCollection, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.E(errs.CodeUnavailable, "open collection database", err)
	}

	// In-memory databases need a single connection so every goroutine
	// sees the same database.
	db.SetMaxOpenConns(1)

	c := &SQLiteCollection{db: db, dimension: dimension}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, errs.E(errs.CodeInternal, "init collection schema", err)
	}
	return c, nil
}

func (c *SQLiteCollection) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY,
		uri TEXT NOT NULL,
		dense TEXT,
		sparse TEXT,
		fields TEXT,
		created_at INTEGER NOT NULL,
		context_type TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_records_uri ON records(uri);
	CREATE INDEX IF NOT EXISTS idx_records_context_type ON records(context_type);
	CREATE INDEX IF NOT EXISTS idx_records_created_at ON records(created_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Dimension returns the declared dense vector dimension.
func (c *SQLiteCollection) Dimension() int { return c.dimension }

// Upsert inserts or replaces records, idempotent by ID. Writes are
// serialized through a single writer lock.
func (c *SQLiteCollection) Upsert(ctx context.Context, records []Record) error {
	if c.closing.Load() {
		return errs.Ef(errs.CodeUnavailable, "collection is closing")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.E(errs.CodeUnavailable, "begin upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (id, uri, dense, sparse, fields, created_at, context_type,
			account_id, user_id, agent_id, session_id, abstract)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			uri = excluded.uri,
			dense = excluded.dense,
			sparse = excluded.sparse,
			fields = excluded.fields,
			context_type = excluded.context_type,
			account_id = excluded.account_id,
			user_id = excluded.user_id,
			agent_id = excluded.agent_id,
			session_id = excluded.session_id,
			abstract = excluded.abstract`)
	if err != nil {
		return errs.E(errs.CodeInternal, "prepare upsert", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ID == 0 {
			r.ID = RecordID(r.URI)
		}
		if len(r.Dense) > 0 && len(r.Dense) != c.dimension {
			return errs.Ef(errs.CodeInvalidArgument,
				"vector dimension %d does not match collection dimension %d for %s",
				len(r.Dense), c.dimension, r.URI)
		}
		if r.CreatedAt == 0 {
			r.CreatedAt = NowMillis()
		}
		dense, err := json.Marshal(r.Dense)
		if err != nil {
			return errs.E(errs.CodeInternal, "marshal dense vector", err)
		}
		sparse, err := json.Marshal(r.Sparse)
		if err != nil {
			return errs.E(errs.CodeInternal, "marshal sparse vector", err)
		}
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return errs.E(errs.CodeInternal, "marshal fields", err)
		}
		if _, err := stmt.ExecContext(ctx,
			int64(r.ID), r.URI, string(dense), string(sparse), string(fields),
			r.CreatedAt, r.ContextType,
			r.User.AccountID, r.User.UserID, r.User.AgentID,
			r.SessionID, r.Abstract); err != nil {
			return errs.E(errs.CodeInternal, fmt.Sprintf("upsert record %s", r.URI), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.E(errs.CodeInternal, "commit upsert", err)
	}
	return nil
}

const recordColumns = `id, uri, dense, sparse, fields, created_at, context_type,
	account_id, user_id, agent_id, session_id, abstract`

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r                     Record
		id                    int64
		dense, sparse, fields string
	)
	if err := rows.Scan(&id, &r.URI, &dense, &sparse, &fields, &r.CreatedAt,
		&r.ContextType, &r.User.AccountID, &r.User.UserID, &r.User.AgentID,
		&r.SessionID, &r.Abstract); err != nil {
		return Record{}, err
	}
	r.ID = uint64(id)
	if dense != "" && dense != "null" {
		if err := json.Unmarshal([]byte(dense), &r.Dense); err != nil {
			return Record{}, fmt.Errorf("decode dense vector for %s: %w", r.URI, err)
		}
	}
	if sparse != "" && sparse != "null" {
		if err := json.Unmarshal([]byte(sparse), &r.Sparse); err != nil {
			return Record{}, fmt.Errorf("decode sparse vector for %s: %w", r.URI, err)
		}
	}
	if fields != "" && fields != "null" {
		if err := json.Unmarshal([]byte(fields), &r.Fields); err != nil {
			return Record{}, fmt.Errorf("decode fields for %s: %w", r.URI, err)
		}
	}
	return r, nil
}

// filterSQL translates the translatable part of a filter into a WHERE
// fragment. Non-translatable leaves yield "1=1"; the full filter is
// re-checked in Go after scanning.
func filterSQL(f *Filter, args *[]any) string {
	if f == nil {
		return "1=1"
	}
	column := map[string]string{
		"uri":          "uri",
		"context_type": "context_type",
		"session_id":   "session_id",
		"created_at":   "created_at",
		"account_id":   "account_id",
		"user_id":      "user_id",
		"agent_id":     "agent_id",
	}
	switch f.Op {
	case OpAnd, OpOr:
		join := " AND "
		if f.Op == OpOr {
			join = " OR "
		}
		parts := make([]string, 0, len(f.Children))
		for _, child := range f.Children {
			parts = append(parts, filterSQL(child, args))
		}
		return "(" + strings.Join(parts, join) + ")"
	case OpEq:
		if col, ok := column[f.Field]; ok {
			*args = append(*args, f.Value)
			return col + " = ?"
		}
	case OpNe:
		if col, ok := column[f.Field]; ok {
			*args = append(*args, f.Value)
			return col + " != ?"
		}
	case OpIn:
		if col, ok := column[f.Field]; ok && len(f.Values) > 0 {
			placeholders := make([]string, len(f.Values))
			for i, v := range f.Values {
				placeholders[i] = "?"
				*args = append(*args, v)
			}
			return col + " IN (" + strings.Join(placeholders, ", ") + ")"
		}
	case OpPrefix:
		if col, ok := column[f.Field]; ok {
			if prefix, isStr := f.Value.(string); isStr {
				*args = append(*args, escapeLike(prefix)+"%")
				return col + " LIKE ? ESCAPE '\\'"
			}
		}
	case OpRange:
		if col, ok := column[f.Field]; ok {
			var parts []string
			if f.GTE != nil {
				*args = append(*args, *f.GTE)
				parts = append(parts, col+" >= ?")
			}
			if f.LTE != nil {
				*args = append(*args, *f.LTE)
				parts = append(parts, col+" <= ?")
			}
			if len(parts) > 0 {
				return "(" + strings.Join(parts, " AND ") + ")"
			}
		}
	}
	return "1=1"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func (c *SQLiteCollection) queryRecords(ctx context.Context, filter *Filter) ([]Record, error) {
	var args []any
	where := filterSQL(filter, &args)
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE "+where, args...)
	if err != nil {
		return nil, errs.E(errs.CodeInternal, "query records", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errs.E(errs.CodeInternal, "scan record", err)
		}
		// The SQL fragment is a superset; apply the exact filter here.
		if !filter.Matches(&r) {
			continue
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Fetch returns records by id along with the ids not found.
func (c *SQLiteCollection) Fetch(ctx context.Context, ids []uint64) (FetchResult, error) {
	var result FetchResult
	if len(ids) == 0 {
		return result, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = int64(id)
	}
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE id IN ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return result, errs.E(errs.CodeInternal, "fetch records", err)
	}
	defer rows.Close()

	found := make(map[uint64]bool, len(ids))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return result, errs.E(errs.CodeInternal, "scan record", err)
		}
		found[r.ID] = true
		result.Items = append(result.Items, r)
	}
	if err := rows.Err(); err != nil {
		return result, errs.E(errs.CodeInternal, "iterate records", err)
	}
	for _, id := range ids {
		if !found[id] {
			result.MissingIDs = append(result.MissingIDs, id)
		}
	}
	return result, nil
}

// Delete removes records by id.
func (c *SQLiteCollection) Delete(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = int64(id)
	}
	_, err := c.db.ExecContext(ctx,
		"DELETE FROM records WHERE id IN ("+strings.Join(placeholders, ", ")+")", args...)
	if err != nil {
		return errs.E(errs.CodeInternal, "delete records", err)
	}
	return nil
}

// DeleteByFilter removes every record matching the filter.
func (c *SQLiteCollection) DeleteByFilter(ctx context.Context, filter *Filter) error {
	if err := filter.Validate(); err != nil {
		return errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	matched, err := c.queryRecords(ctx, filter)
	if err != nil {
		return err
	}
	ids := make([]uint64, len(matched))
	for i, r := range matched {
		ids[i] = r.ID
	}
	return c.Delete(ctx, ids)
}

// Search scans filter-matching records and ranks them by cosine
// similarity in-process.
func (c *SQLiteCollection) Search(ctx context.Context, queryVector []float32, opts SearchOptions) ([]ScoredRecord, error) {
	if err := opts.Filter.Validate(); err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	if len(queryVector) > 0 && len(queryVector) != c.dimension {
		return nil, errs.Ef(errs.CodeInvalidArgument,
			"query dimension %d does not match collection dimension %d", len(queryVector), c.dimension)
	}
	records, err := c.queryRecords(ctx, opts.Filter)
	if err != nil {
		return nil, err
	}

	var results []ScoredRecord
	for _, r := range records {
		var score float32
		if len(queryVector) == 0 {
			score = 1.0
		} else {
			score = cosineSimilarity(queryVector, r.Dense)
		}
		if opts.ScoreThreshold > 0 && score < opts.ScoreThreshold {
			continue
		}
		results = append(results, ScoredRecord{Record: r, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// AggregateCount counts records matching the filter, optionally grouped
// by a field.
func (c *SQLiteCollection) AggregateCount(ctx context.Context, filter *Filter, groupBy string) (map[string]int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, errs.E(errs.CodeInvalidArgument, "invalid filter", err)
	}
	records, err := c.queryRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for i := range records {
		if groupBy == "" {
			counts["_total"]++
			continue
		}
		key := "<nil>"
		if v := fieldValue(&records[i], groupBy); v != nil {
			key = toString(v)
		}
		counts[key]++
	}
	if groupBy == "" && len(counts) == 0 {
		counts["_total"] = 0
	}
	return counts, nil
}

// Count returns the total number of records.
func (c *SQLiteCollection) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&count); err != nil {
		return 0, errs.E(errs.CodeInternal, "count records", err)
	}
	return count, nil
}

// Close flips the shutdown latch and closes the database.
func (c *SQLiteCollection) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.db.Close()
}
