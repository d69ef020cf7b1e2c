// Package sqlitevec provides a SQLite-backed vector driver using sqlite-vec.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/corridorhq/mnemo/pkg/vector"
)

// SQLiteVecDriver implements vector.Driver using SQLite with sqlite-vec.
type SQLiteVecDriver struct {
	db     *sql.DB
	logger *zap.Logger
}

// Config holds configuration for the SQLite vec driver.
type Config struct {
	// DBPath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database.
	DBPath string

	// Dimensions is the number of dimensions for the embedding vectors.
	Dimensions uint
}

// NewSQLiteVecDriver creates a new SQLite vector driver backed by sqlite-vec.
func NewSQLiteVecDriver(c Config, logger *zap.Logger) (*SQLiteVecDriver, error) {
	// enable connection to have sqlite-vec extension
	sqlite_vec.Auto()

	if c.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if c.Dimensions == 0 {
		return nil, fmt.Errorf("sqlite-vec embedding dimensions cannot be 0, must be configured")
	}

	db, err := sql.Open("sqlite3", c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", vector.ErrConnection, err)
	}

	// Verify sqlite-vec is loaded
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: sqlite-vec not available: %v", vector.ErrConnection, err)
	}

	// Document table carries the string id, owning collection, text, and
	// metadata JSON. vec0 virtual tables use integer rowids, so this table
	// also provides the string-id-to-rowid mapping.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS mnemo_documents (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE(collection, doc_id)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating documents table: %w", err)
	}

	// Cosine distance so scores are directly comparable with the dedup
	// threshold used by the episodic tier.
	createVec := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS mnemo_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		c.Dimensions,
	)
	if _, err := db.Exec(createVec); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vec0 table: %w", err)
	}

	logger.Info("sqlite-vec vector driver initialized",
		zap.String("db_path", c.DBPath),
		zap.Uint("dimensions", c.Dimensions),
		zap.String("vec_version", vecVersion),
	)

	return &SQLiteVecDriver{
		db:     db,
		logger: logger,
	}, nil
}

// serializeFloat32 converts a float32 slice to a little-endian byte slice
// suitable for sqlite-vec BLOB format.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeFloat32 converts a little-endian byte slice back to a float32 slice.
func deserializeFloat32(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d: must be divisible by 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// Upsert stores documents with their embeddings.
// A document with an existing ID replaces the previous version.
func (d *SQLiteVecDriver) Upsert(ctx context.Context, collection string, docs []vector.Document) error {
	if len(docs) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, doc := range docs {
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata for doc %s: %w", doc.ID, err)
		}

		embBlob := serializeFloat32(doc.Embedding)

		// Check if document already exists
		var existingRowID int64
		err = tx.QueryRowContext(ctx,
			`SELECT rowid FROM mnemo_documents WHERE collection = ? AND doc_id = ?`,
			collection, doc.ID,
		).Scan(&existingRowID)

		switch err {
		case nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE mnemo_documents SET content = ?, metadata = ? WHERE rowid = ?`,
				doc.Text, string(metaJSON), existingRowID,
			); err != nil {
				return fmt.Errorf("updating document %s: %w", doc.ID, err)
			}

			// Update embedding in vec0 table via DELETE + INSERT
			// (vec0 does not support UPDATE)
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM mnemo_embeddings WHERE rowid = ?`, existingRowID,
			); err != nil {
				return fmt.Errorf("deleting old embedding for doc %s: %w", doc.ID, err)
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO mnemo_embeddings(rowid, embedding) VALUES (?, ?)`,
				existingRowID, embBlob,
			); err != nil {
				return fmt.Errorf("re-inserting embedding for doc %s: %w", doc.ID, err)
			}
		case sql.ErrNoRows:
			result, err := tx.ExecContext(ctx,
				`INSERT INTO mnemo_documents(doc_id, collection, content, metadata) VALUES (?, ?, ?, ?)`,
				doc.ID, collection, doc.Text, string(metaJSON),
			)
			if err != nil {
				return fmt.Errorf("inserting document %s: %w", doc.ID, err)
			}

			rowID, err := result.LastInsertId()
			if err != nil {
				return fmt.Errorf("getting rowid for doc %s: %w", doc.ID, err)
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO mnemo_embeddings(rowid, embedding) VALUES (?, ?)`,
				rowID, embBlob,
			); err != nil {
				return fmt.Errorf("inserting embedding for doc %s: %w", doc.ID, err)
			}
		default:
			return fmt.Errorf("checking for existing document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("upserted documents to sqlite-vec",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)

	return nil
}

// Query finds the topK most similar documents to the given embedding.
// Collection and metadata filters constrain the KNN candidate set through a
// rowid subquery, so topK nearest is exact within the filtered set rather
// than a post-filter over the global neighbors.
func (d *SQLiteVecDriver) Query(ctx context.Context, collection string, embedding []float32, topK int, filter map[string]any) ([]vector.QueryResult, error) {
	if topK <= 0 {
		topK = 10
	}

	queryBlob := serializeFloat32(embedding)

	subquery, args := filterSubquery(collection, filter)
	args = append([]any{queryBlob, topK}, args...)

	rows, err := d.db.QueryContext(ctx, `
		SELECT
			doc.doc_id,
			doc.content,
			doc.metadata,
			ve.distance
		FROM mnemo_embeddings ve
		INNER JOIN mnemo_documents doc ON doc.rowid = ve.rowid
		WHERE ve.embedding MATCH ?
			AND ve.k = ?
			AND ve.rowid IN (`+subquery+`)
		ORDER BY ve.distance
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var results []vector.QueryResult
	for rows.Next() {
		var docID, content, metaJSON string
		var distance float64
		if err := rows.Scan(&docID, &content, &metaJSON, &distance); err != nil {
			return nil, fmt.Errorf("scanning query result: %w", err)
		}

		metadata, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for doc %s: %w", docID, err)
		}

		results = append(results, vector.QueryResult{
			Document: vector.Document{
				ID:       docID,
				Text:     content,
				Metadata: metadata,
			},
			// Cosine distance to similarity: similarity = 1 - distance.
			Score: float32(1.0 - distance),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating query results: %w", err)
	}

	d.logger.Debug("queried sqlite-vec",
		zap.String("collection", collection),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Get retrieves documents by their IDs. Missing IDs are skipped.
func (d *SQLiteVecDriver) Get(ctx context.Context, collection string, ids []string) ([]vector.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := []any{collection}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT doc.doc_id, doc.content, doc.metadata, doc.rowid
		FROM mnemo_documents doc
		WHERE doc.collection = ? AND doc.doc_id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	// Collect results first so we can close the rows cursor before
	// issuing additional queries (SQLite uses a single connection).
	type docRow struct {
		docID    string
		content  string
		metaJSON string
		rowID    int64
	}
	var docRows []docRow

	for rows.Next() {
		var dr docRow
		if err := rows.Scan(&dr.docID, &dr.content, &dr.metaJSON, &dr.rowID); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docRows = append(docRows, dr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	rows.Close()

	docs := make([]vector.Document, 0, len(docRows))
	for _, dr := range docRows {
		metadata, err := unmarshalMetadata(dr.metaJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for doc %s: %w", dr.docID, err)
		}

		doc := vector.Document{
			ID:       dr.docID,
			Text:     dr.content,
			Metadata: metadata,
		}

		var embBlob []byte
		err = d.db.QueryRowContext(ctx,
			`SELECT embedding FROM mnemo_embeddings WHERE rowid = ?`, dr.rowID,
		).Scan(&embBlob)
		switch err {
		case nil:
			embedding, err := deserializeFloat32(embBlob)
			if err != nil {
				return nil, fmt.Errorf("decoding embedding for doc %s: %w", dr.docID, err)
			}
			doc.Embedding = embedding
		case sql.ErrNoRows:
			// Document without an embedding row; return it bare.
		default:
			return nil, fmt.Errorf("querying embedding for doc %s: %w", dr.docID, err)
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

// Delete removes documents by their IDs.
func (d *SQLiteVecDriver) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var rowID int64
		err := tx.QueryRowContext(ctx,
			`SELECT rowid FROM mnemo_documents WHERE collection = ? AND doc_id = ?`,
			collection, id,
		).Scan(&rowID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("looking up document %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mnemo_embeddings WHERE rowid = ?`, rowID,
		); err != nil {
			return fmt.Errorf("deleting embedding for doc %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM mnemo_documents WHERE rowid = ?`, rowID,
		); err != nil {
			return fmt.Errorf("deleting document %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	d.logger.Debug("deleted documents from sqlite-vec",
		zap.String("collection", collection),
		zap.Int("count", len(ids)),
	)

	return nil
}

// SetMetadata merges the patch into a document's metadata JSON.
func (d *SQLiteVecDriver) SetMetadata(ctx context.Context, collection string, id string, patch map[string]any) error {
	var metaJSON string
	err := d.db.QueryRowContext(ctx,
		`SELECT metadata FROM mnemo_documents WHERE collection = ? AND doc_id = ?`,
		collection, id,
	).Scan(&metaJSON)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s/%s", vector.ErrNotFound, collection, id)
	}
	if err != nil {
		return fmt.Errorf("looking up document %s: %w", id, err)
	}

	metadata, err := unmarshalMetadata(metaJSON)
	if err != nil {
		return fmt.Errorf("decoding metadata for doc %s: %w", id, err)
	}
	for k, v := range patch {
		metadata[k] = v
	}

	merged, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata for doc %s: %w", id, err)
	}

	if _, err := d.db.ExecContext(ctx,
		`UPDATE mnemo_documents SET metadata = ? WHERE collection = ? AND doc_id = ?`,
		string(merged), collection, id,
	); err != nil {
		return fmt.Errorf("updating metadata for doc %s: %w", id, err)
	}

	return nil
}

// Scroll returns every document in the collection matching the filter.
func (d *SQLiteVecDriver) Scroll(ctx context.Context, collection string, filter map[string]any) ([]vector.Document, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT doc_id, content, metadata FROM mnemo_documents WHERE collection = ?`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning collection: %w", err)
	}
	defer rows.Close()

	var docs []vector.Document
	for rows.Next() {
		var docID, content, metaJSON string
		if err := rows.Scan(&docID, &content, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}

		metadata, err := unmarshalMetadata(metaJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding metadata for doc %s: %w", docID, err)
		}

		if !matchesFilter(metadata, filter) {
			continue
		}

		docs = append(docs, vector.Document{
			ID:       docID,
			Text:     content,
			Metadata: metadata,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}

	return docs, nil
}

// Close closes the underlying database.
func (d *SQLiteVecDriver) Close() error {
	return d.db.Close()
}

// filterSubquery builds the candidate-rowid subquery that scopes a KNN pass
// to one collection plus an exact-match metadata filter.
func filterSubquery(collection string, filter map[string]any) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT rowid FROM mnemo_documents WHERE collection = ?`)
	args := []any{collection}

	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString(` AND json_extract(metadata, ?) = ?`)
		args = append(args, "$."+k, filter[k])
	}
	return b.String(), args
}

func unmarshalMetadata(raw string) (map[string]any, error) {
	metadata := make(map[string]any)
	if raw == "" {
		return metadata, nil
	}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func matchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Ensure SQLiteVecDriver implements vector.Driver
var _ vector.Driver = (*SQLiteVecDriver)(nil)
