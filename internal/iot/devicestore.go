package iot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// ErrNotFound is returned when a box has never been recorded.
var ErrNotFound = errors.New("device not found")

// StoredDevice is the persisted history of one box across sessions.
type StoredDevice struct {
	Address              string    `json:"address"`
	Status               Status    `json:"status"`
	CertificateSuspected bool      `json:"certificate_suspected"`
	Message              string    `json:"message,omitempty"`
	SessionID            string    `json:"session_id"`
	TimesFound           int       `json:"times_found"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
}

// ListOptions pages through stored devices.
type ListOptions struct {
	Limit  int // default 100, max 1000
	Offset int
}

func (o ListOptions) normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// DeviceStore persists every box seen by any session in iot_devices.
type DeviceStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDeviceStore runs the iot migrations on store and returns a DeviceStore.
func NewDeviceStore(ctx context.Context, store plugin.Store) (*DeviceStore, error) {
	if err := store.Migrate(ctx, "iot", deviceMigrations); err != nil {
		return nil, fmt.Errorf("iot migrations: %w", err)
	}
	return &DeviceStore{db: store.DB(), now: time.Now}, nil
}

// Record applies a device event. A found event bumps times_found and resets
// the status to found; a connection event only updates status and message.
func (s *DeviceStore) Record(ctx context.Context, ev DeviceEvent) error {
	now := s.now().UTC()
	found := 0
	if ev.Status == StatusFound {
		found = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iot_devices (
			address, status, certificate_suspected, message, session_id,
			times_found, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			status = excluded.status,
			certificate_suspected = excluded.certificate_suspected,
			message = excluded.message,
			session_id = excluded.session_id,
			times_found = iot_devices.times_found + excluded.times_found,
			last_seen = excluded.last_seen`,
		ev.Address, string(ev.Status), ev.CertificateSuspected, ev.Message, ev.SessionID,
		found, now, now,
	)
	if err != nil {
		return fmt.Errorf("record device %q: %w", ev.Address, err)
	}
	return nil
}

// Get returns the record for address.
func (s *DeviceStore) Get(ctx context.Context, address string) (*StoredDevice, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT address, status, certificate_suspected, message, session_id,
		       times_found, first_seen, last_seen
		FROM iot_devices WHERE address = ?`, address)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", address, err)
	}
	return d, nil
}

// List returns stored devices, most recently seen first, and the total count.
func (s *DeviceStore) List(ctx context.Context, opts ListOptions) ([]StoredDevice, int, error) {
	opts = opts.normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iot_devices`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count devices: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, status, certificate_suspected, message, session_id,
		       times_found, first_seen, last_seen
		FROM iot_devices
		ORDER BY last_seen DESC, address
		LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []StoredDevice{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*StoredDevice, error) {
	var (
		d      StoredDevice
		status string
	)
	err := row.Scan(&d.Address, &status, &d.CertificateSuspected, &d.Message, &d.SessionID,
		&d.TimesFound, &d.FirstSeen, &d.LastSeen)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	return &d, nil
}

var deviceMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create iot_devices table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE iot_devices (
					address               TEXT PRIMARY KEY,
					status                TEXT     NOT NULL,
					certificate_suspected BOOLEAN  NOT NULL DEFAULT 0,
					message               TEXT     NOT NULL DEFAULT '',
					session_id            TEXT     NOT NULL,
					times_found           INTEGER  NOT NULL DEFAULT 0,
					first_seen            DATETIME NOT NULL,
					last_seen             DATETIME NOT NULL
				)`)
			return err
		},
	},
	{
		Version:     2,
		Description: "index iot_devices by last_seen",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX idx_iot_devices_last_seen ON iot_devices(last_seen)`)
			return err
		},
	},
}
