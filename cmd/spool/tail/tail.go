// Package tailcmder provides the tail command, which follows a stream served
// by a running spool server and prints its output.
package tailcmder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/realtime"
	"github.com/papercomputeco/spool/pkg/sse"
)

const tailLongDesc string = `Follow a stream on a running spool server.

Connects to GET /realtime/{version}/streams/{runId}/{streamId} and prints
each data line as it arrives. The command exits when the server ends the
stream or on Ctrl-C.

Use --resume-at to start from a sequence number instead of the beginning
of the stream, and --raw to print the Server-Sent-Events frames unchanged.`

const tailShortDesc string = "Follow a stream from a running server"

// environmentHeader carries the environment name for v2 streams.
const environmentHeader = "X-Spool-Environment"

var tailFlags = config.FlagSet{
	config.FlagAPITarget: {Name: "api-target", Shorthand: "a", ViperKey: "client.api_target", Description: "Spool server URL"},
}

type tailCommander struct {
	apiTarget   string
	version     string
	environment string
	resumeAt    int
	raw         bool
}

func NewTailCmd() *cobra.Command {
	cmder := &tailCommander{}

	cmd := &cobra.Command{
		Use:   "tail <runId> <streamId>",
		Short: tailShortDesc,
		Long:  tailLongDesc,
		Args:  cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, tailFlags, []string{config.FlagAPITarget})

			cmder.apiTarget = config.FromViper(v).Client.APITarget
			if _, err := realtime.ParseVersion(cmder.version); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return cmder.run(ctx, cmd.OutOrStdout(), args[0], args[1])
		},
	}

	config.AddStringFlag(cmd, tailFlags, config.FlagAPITarget, &cmder.apiTarget)
	cmd.Flags().StringVar(&cmder.version, "version", string(realtime.V1), "Stream protocol version (v1, v2)")
	cmd.Flags().StringVarP(&cmder.environment, "env", "e", "", "Environment for v2 streams")
	cmd.Flags().IntVar(&cmder.resumeAt, "resume-at", -1, "Sequence number to resume from (-1 reads from the start)")
	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Print raw Server-Sent-Events frames")

	return cmd
}

// streamURL builds the read URL for a stream.
func (c *tailCommander) streamURL(runID, streamID string) (string, error) {
	base, err := url.Parse(strings.TrimRight(c.apiTarget, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing api target: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("invalid api target %q", c.apiTarget)
	}

	base = base.JoinPath("realtime", c.version, "streams", runID, streamID)
	if c.resumeAt >= 0 {
		q := base.Query()
		q.Set("resumeAt", strconv.Itoa(c.resumeAt))
		base.RawQuery = q.Encode()
	}
	return base.String(), nil
}

func (c *tailCommander) run(ctx context.Context, w io.Writer, runID, streamID string) error {
	target, err := c.streamURL(runID, streamID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.environment != "" {
		req.Header.Set(environmentHeader, c.environment)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connecting to %s: %w", c.apiTarget, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("reading stream: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if c.raw {
		_, err := io.Copy(w, resp.Body)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		return nil
	}

	reader := sse.NewReader(resp.Body)
	for {
		ev, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		if ev == nil {
			return nil
		}

		for _, line := range ev.Lines() {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
}
