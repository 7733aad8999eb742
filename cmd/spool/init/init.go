// Package initcmder provides the init command for initializing a local .spool
// directory in the current working directory.
package initcmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/dotdir"
)

// maxRemoteConfig bounds a fetched preset.
const maxRemoteConfig = 1 << 20

const initLongDesc string = `Initialize a new .spool/ directory in the current working directory.

Creates a local .spool/ directory that takes precedence over the default
~/.spool/ directory, and writes a config.toml into it.

--preset selects the durable log storage driver (memory, redis, sqlite,
postgres) or fetches a config.toml from an http(s) URL. An existing
config.toml is only replaced when a preset is given.

Examples:
  spool init
  spool init --preset redis
  spool init --preset https://example.com/spool/config.toml`

const initShortDesc string = "Initialize a local .spool/ directory"

type initCommander struct {
	preset string
}

func NewInitCmd() *cobra.Command {
	cmder := &initCommander{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: initShortDesc,
		Long:  initLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&cmder.preset, "preset", "",
		fmt.Sprintf("Config preset (%s) or URL of a config.toml", strings.Join(config.ValidPresetNames(), ", ")))

	return cmd
}

func (c *initCommander) run(ctx context.Context, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	dir, err := dotdir.NewManager().Local()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating .spool directory: %w", err)
	}

	cfgPath := filepath.Join(dir, "config.toml")
	_, statErr := os.Stat(cfgPath)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf("checking config: %w", statErr)
	}

	if exists && c.preset == "" {
		fmt.Fprintf(w, "Already initialized: %s\n", dir)
		return nil
	}

	var cfg *config.Config
	err = cliui.Step(w, "Writing config.toml", func() error {
		var err error
		cfg, err = c.resolve(ctx)
		if err != nil {
			return err
		}

		cfger, err := config.NewConfiger(dir)
		if err != nil {
			return err
		}
		return cfger.SaveConfig(cfg)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Initialized .spool directory: %s (storage: %s)\n", dir, cfg.Storage.Driver)
	return nil
}

// resolve returns the config for the selected preset.
func (c *initCommander) resolve(ctx context.Context) (*config.Config, error) {
	switch {
	case c.preset == "":
		return config.NewDefaultConfig(), nil
	case strings.HasPrefix(c.preset, "http://"), strings.HasPrefix(c.preset, "https://"):
		return fetchConfig(ctx, c.preset)
	default:
		return config.PresetConfig(c.preset)
	}
}

// fetchConfig downloads a config.toml and validates it.
func fetchConfig(ctx context.Context, url string) (*config.Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building preset request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching preset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching preset: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteConfig))
	if err != nil {
		return nil, fmt.Errorf("reading preset: %w", err)
	}

	cfg, err := config.ParseConfigTOML(data)
	if err != nil {
		return nil, err
	}
	cfg.Version = config.CurrentV
	return cfg, nil
}
