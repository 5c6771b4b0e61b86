// Package backup archives and restores the IoTScan device history database
// together with its config file.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/HerbHall/iotscan/internal/store"
	"github.com/HerbHall/iotscan/internal/version"
)

// ManifestName is the archive entry describing the backup.
const ManifestName = "manifest.json"

// ErrExists is returned by Restore when a target file exists and force is
// not set.
var ErrExists = errors.New("file already exists")

// Manifest records what an archive holds.
type Manifest struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Database  string    `json:"database"`
	Config    string    `json:"config,omitempty"`
}

// Backup writes a tar.gz archive with the database, the config file when
// configPath names an existing file, and a manifest. The database WAL is
// checkpointed first so the copied file is complete.
func Backup(ctx context.Context, dbPath, configPath, outputPath string) (Manifest, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return Manifest{}, fmt.Errorf("database file not found: %w", err)
	}
	if err := checkpointWAL(ctx, dbPath); err != nil {
		return Manifest{}, fmt.Errorf("WAL checkpoint failed: %w", err)
	}

	m := Manifest{
		Version:   version.Short(),
		CreatedAt: time.Now().UTC(),
		Database:  filepath.Base(dbPath),
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			m.Config = filepath.Base(configPath)
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("creating output file: %w", err)
	}
	if err := writeArchive(out, m, dbPath, configPath); err != nil {
		out.Close()
		os.Remove(outputPath)
		return Manifest{}, err
	}
	if err := out.Close(); err != nil {
		return Manifest{}, fmt.Errorf("closing output file: %w", err)
	}
	return m, nil
}

func writeArchive(w io.Writer, m Manifest, dbPath, configPath string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  m.CreatedAt,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	if err := addFileToTar(tw, dbPath, m.Database); err != nil {
		return fmt.Errorf("adding database to archive: %w", err)
	}
	if m.Config != "" {
		if err := addFileToTar(tw, configPath, m.Config); err != nil {
			return fmt.Errorf("adding config to archive: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

// Restore extracts an archive made by Backup into dir. Existing files are
// only replaced when force is set.
func Restore(_ context.Context, archivePath, dir string, force bool) (Manifest, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return Manifest{}, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("reading archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, err
	}

	var m Manifest
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Manifest{}, fmt.Errorf("reading archive: %w", err)
		}

		name := filepath.Base(hdr.Name)
		if name != hdr.Name || strings.HasPrefix(name, ".") || hdr.Typeflag != tar.TypeReg {
			return Manifest{}, fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
		if name == ManifestName {
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return Manifest{}, fmt.Errorf("decoding manifest: %w", err)
			}
			continue
		}
		if err := extractFile(tr, filepath.Join(dir, name), hdr.FileInfo().Mode(), force); err != nil {
			return Manifest{}, err
		}
	}

	if m.Database == "" {
		return Manifest{}, fmt.Errorf("archive has no manifest")
	}
	return m, nil
}

func extractFile(r io.Reader, target string, mode os.FileMode, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags |= os.O_EXCL
	}
	out, err := os.OpenFile(target, flags, mode.Perm())
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w (use -force to overwrite)", target, ErrExists)
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// checkpointWAL runs a TRUNCATE checkpoint so the main database file holds
// every committed write.
func checkpointWAL(ctx context.Context, dbPath string) error {
	st, err := store.New(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Checkpoint(ctx)
}

func addFileToTar(tw *tar.Writer, filePath, archiveName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
