package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// History returns recent history entries for a device, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - deviceID: Unique device identifier
//   - limit: Maximum entries to return (default 50, max 200)
func (r *SQLiteRepository) History(ctx context.Context, deviceID string, limit int) ([]Update, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, deviceid, online, params, created_at
		FROM device_updates
		WHERE deviceid = ?
		ORDER BY id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	entries := make([]Update, 0, limit)
	for rows.Next() {
		var (
			u         Update
			online    sql.NullInt64
			params    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.DeviceID, &online, &params, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		if online.Valid {
			v := online.Int64 != 0
			u.Online = &v
		}
		if params.Valid {
			if err := json.Unmarshal([]byte(params.String), &u.Params); err != nil {
				return nil, fmt.Errorf("unmarshalling params: %w", err)
			}
		}
		if u.CreatedAt, err = parseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history: %w", err)
	}
	return entries, nil
}
