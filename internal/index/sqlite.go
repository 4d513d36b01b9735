package index

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps the index in the pipeline database's index_points table,
// with brute-force cosine similarity search. Good up to roughly 100K points;
// past that, point the pipeline at a remote index via HTTPStore instead.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB for index operations. The
// index_points table must already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Upsert writes points in one transaction, overwriting rows with the same ID.
func (s *SQLiteStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO index_points (id, project_id, target_type, target_id, chunk_index, chunk_hash, text, preview, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			target_type = excluded.target_type,
			target_id = excluded.target_id,
			chunk_index = excluded.chunk_index,
			chunk_hash = excluded.chunk_hash,
			text = excluded.text,
			preview = excluded.preview,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		blob := encodeFloat32s(p.Vector)
		updatedAt := p.Payload.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Payload.ProjectID, p.Payload.Type, p.Payload.TargetID,
			p.Payload.ChunkIndex, p.Payload.ChunkHash, p.Payload.Text, p.Payload.Preview,
			blob, updatedAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteByFilter removes every point the filter matches.
func (s *SQLiteStore) DeleteByFilter(ctx context.Context, f Filter) error {
	if f.IsEmpty() {
		return errors.New("delete requires a filter")
	}
	where, args := whereClause(f)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM index_points`+where, args...); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Scroll lists matching points without vectors, in (target, chunk index) order.
func (s *SQLiteStore) Scroll(ctx context.Context, f Filter, limit int) ([]Point, error) {
	where, args := whereClause(f)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, target_type, target_id, chunk_index, chunk_hash, text, preview, updated_at
		FROM index_points`+where+`
		ORDER BY target_type, target_id, chunk_index
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("scrolling points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Search performs brute-force cosine similarity over the matching points,
// returning the top-K best hits. The scan phase touches only id + embedding;
// payloads are fetched for the winners alone.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, f Filter) ([]ScoredPoint, error) {
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	where, args := whereClause(f)
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM index_points`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullRows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, target_type, target_id, chunk_index, chunk_hash, text, preview, updated_at
		FROM index_points WHERE id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K points: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredPoint
	for fullRows.Next() {
		p, err := scanPoint(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredPoint{Point: p, Score: scores[p.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-K points: %w", err)
	}

	// Sort by score descending; the IN query does not preserve order.
	sortByScore(results)

	return results, nil
}

// Count returns how many points the filter matches.
func (s *SQLiteStore) Count(ctx context.Context, f Filter) (int, error) {
	where, args := whereClause(f)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM index_points`+where, args...).Scan(&count)
	return count, err
}

// idScore holds only the ID and score during the scan phase of Search.
type idScore struct {
	ID    string
	Score float32
}

// whereClause renders a filter as SQL, returning "" for an empty filter.
func whereClause(f Filter) (string, []any) {
	var conds []string
	var args []any
	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.TargetType != "" {
		conds = append(conds, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if f.ChunkIndexGTE != nil {
		conds = append(conds, "chunk_index >= ?")
		args = append(args, *f.ChunkIndexGTE)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanPoint(rows *sql.Rows) (Point, error) {
	var p Point
	var updatedAt string
	if err := rows.Scan(&p.ID, &p.Payload.ProjectID, &p.Payload.Type, &p.Payload.TargetID,
		&p.Payload.ChunkIndex, &p.Payload.ChunkHash, &p.Payload.Text, &p.Payload.Preview, &updatedAt); err != nil {
		return Point{}, fmt.Errorf("scanning point: %w", err)
	}
	t, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return Point{}, fmt.Errorf("parsing updated_at for %s: %w", p.ID, err)
	}
	p.Payload.UpdatedAt = t
	return p, nil
}

// sortByScore sorts hits by score descending. Used for small slices (topK).
func sortByScore(results []ScoredPoint) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score, used during the scan
// phase of Search to track top-K candidates by ID only.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
