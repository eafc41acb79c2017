package hypermangle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CertStorage persists certificate material so that a restart does not
// force re-issuance:
//
//	<Dir>/
//	├── account.json
//	└── certificates/
//	    └── <hostname>/
//	        ├── certificate.pem
//	        ├── private_key.pem
//	        └── metadata.json
//
// Files are written 0600 inside 0700 directories, each through a
// temporary file and rename.
type CertStorage struct {
	Dir    string
	Logger *slog.Logger
}

type certMetadata struct {
	Hostname  string         `json:"hostname"`
	NotBefore time.Time      `json:"not_before"`
	NotAfter  time.Time      `json:"not_after"`
	Challenge ChallengeState `json:"challenge"`
	Saved     time.Time      `json:"saved"`
}

// NewCertStorage creates dir if needed.
func NewCertStorage(dir string) (*CertStorage, error) {
	if err := os.MkdirAll(filepath.Join(dir, "certificates"), 0700); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &CertStorage{Dir: dir, Logger: slog.Default()}, nil
}

func (cs *CertStorage) accountPath() string {
	return filepath.Join(cs.Dir, "account.json")
}

func (cs *CertStorage) certDir(hostname string) string {
	return filepath.Join(cs.Dir, "certificates", hostname)
}

// Save writes rec to disk.
func (cs *CertStorage) Save(rec *CertificateRecord) error {
	dir := cs.certDir(rec.Hostname)

	if err := writeFileAtomic(filepath.Join(dir, "certificate.pem"), rec.Chain, 0600); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "private_key.pem"), rec.Key, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	meta, err := json.MarshalIndent(certMetadata{
		Hostname:  rec.Hostname,
		NotBefore: rec.NotBefore,
		NotAfter:  rec.NotAfter,
		Challenge: rec.Challenge,
		Saved:     time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "metadata.json"), meta, 0600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Load reads the stored record for hostname.
func (cs *CertStorage) Load(hostname string) (*CertificateRecord, error) {
	dir := cs.certDir(hostname)

	chain, err := os.ReadFile(filepath.Join(dir, "certificate.pem"))
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	key, err := os.ReadFile(filepath.Join(dir, "private_key.pem"))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	var meta certMetadata
	if data, err := os.ReadFile(filepath.Join(dir, "metadata.json")); err == nil {
		if err := json.Unmarshal(data, &meta); err != nil {
			cs.Logger.Warn("ignoring unreadable certificate metadata", "host", hostname, "error", err)
		}
	}

	return NewCertificateRecord(hostname, chain, key, meta.Challenge)
}

// LoadAll returns every stored record that is not yet expired. Unreadable
// entries are logged and skipped.
func (cs *CertStorage) LoadAll() ([]*CertificateRecord, error) {
	entries, err := os.ReadDir(filepath.Join(cs.Dir, "certificates"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now()
	var out []*CertificateRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		host := entry.Name()
		rec, err := cs.Load(host)
		if err != nil {
			cs.Logger.Warn("failed to load stored certificate", "host", host, "error", err)
			continue
		}
		if rec.Expired(now) {
			cs.Logger.Warn("stored certificate expired", "host", host, "not_after", rec.NotAfter)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Remove deletes the stored material for hostname.
func (cs *CertStorage) Remove(hostname string) error {
	return os.RemoveAll(cs.certDir(hostname))
}
