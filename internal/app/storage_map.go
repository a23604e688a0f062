package app

import (
	"fmt"
	"strings"
	"time"

	"raspimon/internal/config"
	"raspimon/internal/storage"
	"raspimon/internal/storage/docstore"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file":
		if path == "" {
			path = "./data/points"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapDocStoreConfig(cfg *config.Config) (docstore.Config, bool, error) {
	if cfg == nil || cfg.DocStore == nil {
		return docstore.Config{}, false, nil
	}
	dc := cfg.DocStore
	driver := strings.ToLower(strings.TrimSpace(dc.Driver))
	if driver == "" || driver == "none" {
		return docstore.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("docstore.timeout", dc.Timeout, 10*time.Second)
	if err != nil {
		return docstore.Config{}, false, err
	}
	return docstore.Config{
		Driver:     driver,
		URI:        dc.URI,
		Database:   dc.Database,
		Collection: dc.Collection,
		Timeout:    timeout,
	}, true, nil
}
