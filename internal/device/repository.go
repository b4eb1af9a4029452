package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeFormat keeps sub-second precision so history rows sort by time.
const timeFormat = time.RFC3339Nano

const deviceColumns = `deviceid, apikey, name, type, device_group, online, params, created_at, updated_at`

// Repository defines device persistence operations.
// This abstraction allows for SQLite and mock implementations.
type Repository interface {
	// FindDeviceByID returns the device regardless of owner.
	// Returns ErrDeviceNotFound if it does not exist.
	FindDeviceByID(ctx context.Context, deviceID string) (*Device, error)

	// GetOwned returns the device only when apiKey owns it.
	// Returns ErrDeviceNotFound otherwise.
	GetOwned(ctx context.Context, apiKey, deviceID string) (*Device, error)

	// DeviceExists reports whether apiKey owns deviceID.
	DeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error)

	// FactoryDeviceExists reports whether a factory record matches both keys.
	FactoryDeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error)

	// ListByAPIKey returns every device owned by apiKey, ordered by name.
	ListByAPIKey(ctx context.Context, apiKey string) ([]Device, error)

	// Create inserts a device. Returns ErrDeviceExists on a taken deviceid.
	Create(ctx context.Context, d *Device) error

	// CreateFactoryDevice inserts a factory record.
	CreateFactoryDevice(ctx context.Context, f *FactoryDevice) error

	// Claim turns a factory device into a device owned by ownerAPIKey.
	Claim(ctx context.Context, ownerAPIKey, factoryAPIKey, deviceID, name, group string) (*Device, error)

	// UpdateInfo changes the name and group of an owned device.
	UpdateInfo(ctx context.Context, apiKey, deviceID, name, group string) (*Device, error)

	// Delete removes an owned device and its history, returning what was removed.
	Delete(ctx context.Context, apiKey, deviceID string) (*Device, error)

	// SetOnline stores the online flag and records the transition.
	SetOnline(ctx context.Context, deviceID string, online bool) error

	// ApplyParams merges partial into the stored params, records the result
	// in the history and returns the merged params.
	ApplyParams(ctx context.Context, deviceID string, partial Params) (Params, error)

	// History returns the newest history entries for a device.
	History(ctx context.Context, deviceID string, limit int) ([]Update, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// FindDeviceByID retrieves a device by deviceid.
func (r *SQLiteRepository) FindDeviceByID(ctx context.Context, deviceID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE deviceid = ?`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// GetOwned retrieves a device owned by apiKey.
func (r *SQLiteRepository) GetOwned(ctx context.Context, apiKey, deviceID string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE deviceid = ? AND apikey = ?`, deviceID, apiKey)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying owned device: %w", err)
	}
	return d, nil
}

// DeviceExists reports whether apiKey owns deviceID.
func (r *SQLiteRepository) DeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM devices WHERE apikey = ? AND deviceid = ?`, apiKey, deviceID)
}

// FactoryDeviceExists reports whether a factory record matches apiKey and deviceID.
func (r *SQLiteRepository) FactoryDeviceExists(ctx context.Context, apiKey, deviceID string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM factory_devices WHERE apikey = ? AND deviceid = ?`, apiKey, deviceID)
}

func (r *SQLiteRepository) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking existence: %w", err)
	}
	return true, nil
}

// ListByAPIKey returns all devices owned by apiKey.
func (r *SQLiteRepository) ListByAPIKey(ctx context.Context, apiKey string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE apikey = ? ORDER BY name, deviceid`, apiKey)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	return r.insertDevice(ctx, r.db, d)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) insertDevice(ctx context.Context, ex execer, d *Device) error {
	if d.Params == nil {
		d.Params = Params{}
	}
	paramsJSON, err := json.Marshal(d.Params)
	if err != nil {
		return fmt.Errorf("marshalling params: %w", err)
	}

	now := r.now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err = ex.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.APIKey, strings.TrimSpace(d.Name), d.Type, d.Group,
		boolToInt(d.Online), string(paramsJSON),
		d.CreatedAt.Format(timeFormat), d.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// CreateFactoryDevice inserts a factory record.
func (r *SQLiteRepository) CreateFactoryDevice(ctx context.Context, f *FactoryDevice) error {
	if err := ValidateFactoryDevice(f); err != nil {
		return err
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO factory_devices (deviceid, apikey, name, type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.DeviceID, f.APIKey, f.Name, f.Type, f.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting factory device: %w", err)
	}
	return nil
}

// Claim creates a device for ownerAPIKey from the factory record matching
// factoryAPIKey and deviceID. The device takes the factory type.
func (r *SQLiteRepository) Claim(ctx context.Context, ownerAPIKey, factoryAPIKey, deviceID, name, group string) (*Device, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var typ string
	err = tx.QueryRowContext(ctx,
		`SELECT type FROM factory_devices WHERE apikey = ? AND deviceid = ?`,
		factoryAPIKey, deviceID,
	).Scan(&typ)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFactoryDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying factory device: %w", err)
	}

	d := &Device{
		DeviceID: deviceID,
		APIKey:   ownerAPIKey,
		Name:     name,
		Type:     typ,
		Group:    group,
		Params:   Params{},
	}
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}
	if err := r.insertDevice(ctx, tx, d); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return d, nil
}

// UpdateInfo changes the name and group of a device owned by apiKey.
func (r *SQLiteRepository) UpdateInfo(ctx context.Context, apiKey, deviceID, name, group string) (*Device, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if len(group) > maxGroupLength {
		return nil, fmt.Errorf("%w: group exceeds %d characters", ErrInvalidDevice, maxGroupLength)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET name = ?, device_group = ?, updated_at = ?
		WHERE deviceid = ? AND apikey = ?`,
		strings.TrimSpace(name), group, r.now().Format(timeFormat), deviceID, apiKey,
	)
	if err != nil {
		return nil, fmt.Errorf("updating device: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return r.GetOwned(ctx, apiKey, deviceID)
}

// Delete removes a device owned by apiKey. History rows cascade.
func (r *SQLiteRepository) Delete(ctx context.Context, apiKey, deviceID string) (*Device, error) {
	d, err := r.GetOwned(ctx, apiKey, deviceID)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE deviceid = ? AND apikey = ?`, deviceID, apiKey)
	if err != nil {
		return nil, fmt.Errorf("deleting device: %w", err)
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return d, nil
}

// SetOnline stores the online flag and appends a history row.
func (r *SQLiteRepository) SetOnline(ctx context.Context, deviceID string, online bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := r.now().Format(timeFormat)
	res, err := tx.ExecContext(ctx,
		`UPDATE devices SET online = ?, updated_at = ? WHERE deviceid = ?`,
		boolToInt(online), now, deviceID,
	)
	if err != nil {
		return fmt.Errorf("updating online: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_updates (deviceid, online, created_at) VALUES (?, ?, ?)`,
		deviceID, boolToInt(online), now,
	); err != nil {
		return fmt.Errorf("recording online change: %w", err)
	}
	return tx.Commit()
}

// ApplyParams merges partial into the device's params inside a transaction.
func (r *SQLiteRepository) ApplyParams(ctx context.Context, deviceID string, partial Params) (Params, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var current string
	err = tx.QueryRowContext(ctx, `SELECT params FROM devices WHERE deviceid = ?`, deviceID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying params: %w", err)
	}

	var stored Params
	if err := json.Unmarshal([]byte(current), &stored); err != nil {
		return nil, fmt.Errorf("unmarshalling params: %w", err)
	}
	merged := stored.Merge(partial)

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshalling params: %w", err)
	}

	now := r.now().Format(timeFormat)
	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET params = ?, updated_at = ? WHERE deviceid = ?`,
		string(mergedJSON), now, deviceID,
	); err != nil {
		return nil, fmt.Errorf("updating params: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO device_updates (deviceid, params, created_at) VALUES (?, ?, ?)`,
		deviceID, string(mergedJSON), now,
	); err != nil {
		return nil, fmt.Errorf("recording params change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing params: %w", err)
	}
	return merged, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (*Device, error) {
	var (
		d                    Device
		online               int
		paramsJSON           string
		createdAt, updatedAt string
	)
	if err := s.Scan(&d.DeviceID, &d.APIKey, &d.Name, &d.Type, &d.Group,
		&online, &paramsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Online = online != 0
	if err := json.Unmarshal([]byte(paramsJSON), &d.Params); err != nil {
		return nil, fmt.Errorf("unmarshalling params: %w", err)
	}
	if d.Params == nil {
		d.Params = Params{}
	}

	var err error
	if d.CreatedAt, err = parseTimestamp(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTimestamp(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func parseTimestamp(value string) (time.Time, error) {
	t, err := time.Parse(timeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
