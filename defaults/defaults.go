// Package defaults holds the configuration schema of vdisk and helpers
// to turn a loaded config into the option structs the device
// constructors take.
package defaults

import (
	"os"

	e "github.com/pkg/errors"
	"github.com/sahib/config"

	"github.com/qemuweb/vdisk/blockdev"
)

// CurrentVersion is the current version of vdisk's config layout.
const CurrentVersion = 0

// DefaultsV0 is the default config validation for vdisk.
var DefaultsV0 = config.DefaultMapping{
	"blockdev": config.DefaultMapping{
		"block_size": config.DefaultEntry{
			Default:      65536,
			NeedsRestart: true,
			Docs:         "Size of a single device block in bytes.",
			Validator:    config.IntRangeValidator(512, 16*1024*1024),
		},
		"http": config.DefaultMapping{
			"cache_capacity": config.DefaultEntry{
				Default:      64,
				NeedsRestart: false,
				Docs:         "How many single blocks the HTTP store keeps cached.",
				Validator:    config.IntRangeValidator(1, 65536),
			},
			"cache_eviction": config.DefaultEntry{
				Default:      "insertion",
				NeedsRestart: false,
				Docs:         "Eviction policy of the HTTP block cache.",
				Validator: config.EnumValidator(
					"insertion", "lru",
				),
			},
			"timeout": config.DefaultEntry{
				Default:      "30s",
				NeedsRestart: false,
				Docs:         "Timeout for a single HTTP fetch.",
			},
		},
		"overlay": config.DefaultMapping{
			"path": config.DefaultEntry{
				Default:      "",
				NeedsRestart: true,
				Docs:         "Directory of the overlay's durable store.",
			},
		},
	},
}

// Defaults is the default validation for vdisk.
var Defaults = DefaultsV0

// OpenMigratedConfig takes the config.yml at path and loads it.
// If required, it also migrates the config structure to the newest
// version - callers can always rely on the latest keys to be present.
func OpenMigratedConfig(path string) (*config.Config, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, e.Wrap(err, "failed to open config")
	}

	defer fd.Close()

	mgr := config.NewMigrater(CurrentVersion, config.StrictnessPanic)
	mgr.Add(0, nil, DefaultsV0)

	cfg, err := mgr.Migrate(config.NewYamlDecoder(fd))
	if err != nil {
		return nil, e.Wrap(err, "failed to migrate")
	}

	return cfg, nil
}

// BlockSize reads the configured block size.
func BlockSize(cfg *config.Config) uint64 {
	return uint64(cfg.Int("blockdev.block_size"))
}

// OverlayPath reads the directory of the overlay's durable store.
func OverlayPath(cfg *config.Config) string {
	return cfg.String("blockdev.overlay.path")
}

// HTTPOptions builds the HTTP store options from `cfg`.
func HTTPOptions(cfg *config.Config) blockdev.HTTPOptions {
	eviction := blockdev.EvictInsertionOrder
	if cfg.String("blockdev.http.cache_eviction") == "lru" {
		eviction = blockdev.EvictLeastRecentlyUsed
	}

	return blockdev.HTTPOptions{
		BlockSize:     BlockSize(cfg),
		CacheCapacity: int(cfg.Int("blockdev.http.cache_capacity")),
		CacheEviction: eviction,
		Timeout:       cfg.Duration("blockdev.http.timeout"),
	}
}
