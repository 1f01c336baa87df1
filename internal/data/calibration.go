package data

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// AddCalibrationSample appends a labelled embedding for the user.
func (s *Store) AddCalibrationSample(ctx context.Context, userID, emotion string, embedding []float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emotion_calibration (user_id, emotion, embedding, created_at)
		VALUES (?, ?, ?, ?)`,
		userID, emotion, Float64SliceToBytes(embedding), toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("insert calibration sample: %w", err)
	}
	return nil
}

// CalibrationSamples returns the user's embeddings grouped by emotion.
func (s *Store) CalibrationSamples(ctx context.Context, userID string) (map[string][][]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emotion, embedding FROM emotion_calibration WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query calibration: %w", err)
	}
	defer rows.Close()

	out := make(map[string][][]float64)
	for rows.Next() {
		var (
			emotion string
			blob    []byte
		)
		if err := rows.Scan(&emotion, &blob); err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		out[emotion] = append(out[emotion], BytesToFloat64Slice(blob))
	}
	return out, rows.Err()
}

// CalibrationCounts returns how many samples the user has per emotion.
func (s *Store) CalibrationCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emotion, COUNT(*) FROM emotion_calibration WHERE user_id = ? GROUP BY emotion`, userID)
	if err != nil {
		return nil, fmt.Errorf("count calibration: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			emotion string
			n       int
		)
		if err := rows.Scan(&emotion, &n); err != nil {
			return nil, fmt.Errorf("scan calibration count: %w", err)
		}
		out[emotion] = n
	}
	return out, rows.Err()
}

// ClearCalibration deletes all of the user's samples. Clearing an empty
// profile is not an error.
func (s *Store) ClearCalibration(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM emotion_calibration WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear calibration: %w", err)
	}
	return nil
}

// Float64SliceToBytes encodes a vector as little-endian float64s.
func Float64SliceToBytes(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

// BytesToFloat64Slice decodes Float64SliceToBytes output. Trailing partial
// values are ignored.
func BytesToFloat64Slice(b []byte) []float64 {
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}
