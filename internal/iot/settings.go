package iot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/HerbHall/iotscan/pkg/plugin"
)

// SettingScanInterface names the interface discovery is restricted to.
const SettingScanInterface = "scan_interface"

// ErrSettingNotFound is returned when a setting has never been written.
var ErrSettingNotFound = errors.New("setting not found")

// Setting is one persisted runtime setting.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsStore keeps runtime settings changed over the API in iot_settings.
// They outlive restarts and take precedence over the config file.
type SettingsStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSettingsStore runs the settings migrations on store.
func NewSettingsStore(ctx context.Context, store plugin.Store) (*SettingsStore, error) {
	if err := store.Migrate(ctx, "iot_settings", settingsMigrations); err != nil {
		return nil, fmt.Errorf("iot settings migrations: %w", err)
	}
	return &SettingsStore{db: store.DB(), now: time.Now}, nil
}

func (s *SettingsStore) Get(ctx context.Context, key string) (*Setting, error) {
	var st Setting
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM iot_settings WHERE key = ?`, key,
	).Scan(&st.Key, &st.Value, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSettingNotFound
		}
		return nil, fmt.Errorf("get setting %q: %w", key, err)
	}
	return &st, nil
}

func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iot_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}

func (s *SettingsStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM iot_settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete setting %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSettingNotFound
	}
	return nil
}

var settingsMigrations = []plugin.Migration{
	{
		Version:     1,
		Description: "create iot_settings table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE iot_settings (
					key        TEXT PRIMARY KEY,
					value      TEXT NOT NULL,
					updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`)
			return err
		},
	},
}

// NetworkInterface describes a host interface a scan can be restricted to.
type NetworkInterface struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
	Up        bool     `json:"up"`
	Loopback  bool     `json:"loopback"`
}

// ListNetworkInterfaces returns the host's interfaces with their addresses.
func ListNetworkInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni := NetworkInterface{
			Name:      iface.Name,
			Addresses: []string{},
			Up:        iface.Flags&net.FlagUp != 0,
			Loopback:  iface.Flags&net.FlagLoopback != 0,
		}
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				ni.Addresses = append(ni.Addresses, a.String())
			}
		}
		out = append(out, ni)
	}
	return out, nil
}
