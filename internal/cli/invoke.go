package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/tether/internal/bridge"
	"github.com/watzon/tether/internal/jsoncodec"
)

var (
	invokeEvent   string
	invokeData    string
	invokeTimeout time.Duration
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <function-id>",
	Short: "Invoke a function through the tunnel",
	Long: `Send one invocation the way the deployed relay would and print the result.

A dev session for the same app and stage must be running and reachable over
the configured transport. The in-memory channel transport cannot be shared
between processes, so use the dev console's invoke endpoint for it instead.

Examples:
  tether invoke api --data '{"path":"/"}'
  tether invoke api --event event.json
  cat event.json | tether invoke api --event -`,
	Args: cobra.ExactArgs(1),
	RunE: runInvoke,
}

func init() {
	invokeCmd.Flags().StringVarP(&invokeEvent, "event", "e", "", "File holding the event JSON, or - for stdin")
	invokeCmd.Flags().StringVarP(&invokeData, "data", "d", "", "Event JSON given inline")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", time.Minute, "Deadline of the invocation")

	rootCmd.AddCommand(invokeCmd)
}

func runInvoke(cmd *cobra.Command, args []string) error {
	if cfg.Transport.Kind == "channel" {
		return errors.New("invoke needs a transport shared with the dev session (nats or aws)")
	}

	event, err := readEvent(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := contextWithTimeout(cmd, invokeTimeout)
	defer cancel()

	l, err := connect(ctx, cfg, "tether-invoke")
	if err != nil {
		return err
	}
	defer l.Close()

	relay := bridge.NewCloudRelay(bridge.CloudConfig{
		Transport: l.transport,
		Topics:    l.topics,
		Offloader: l.offloader,
		Timeout:   cfg.Bridge.Timeout,
		Environ:   func() []string { return nil },
	})
	if err := relay.Start(ctx); err != nil {
		return err
	}

	log.Debug().Str("function", args[0]).Str("worker_id", relay.WorkerID()).Msg("Invoking function")

	result, err := relay.Invoke(ctx, bridge.InvokeRequest{FunctionID: args[0], Event: event})

	var invErr *bridge.InvocationError
	switch {
	case errors.As(err, &invErr):
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"errorType":    invErr.Type,
			"errorMessage": invErr.Message,
			"stackTrace":   invErr.Trace,
		})
	case err != nil:
		return fmt.Errorf("invoking %s: %w", args[0], err)
	}

	if result.Degraded {
		log.Warn().Str("function", args[0]).Msg("No dev session answered the invocation")
	}
	return printJSON(cmd.OutOrStdout(), []byte(result.Body))
}

func readEvent(stdin io.Reader) ([]byte, error) {
	var data []byte
	var err error
	switch {
	case invokeData != "":
		data = []byte(invokeData)
	case invokeEvent == "-":
		data, err = io.ReadAll(stdin)
	case invokeEvent != "":
		data, err = os.ReadFile(invokeEvent)
	default:
		return []byte("{}"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading event: %w", err)
	}
	if !jsoncodec.Valid(data) {
		return nil, errors.New("event is not valid JSON")
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	if raw, ok := v.([]byte); ok {
		var decoded any
		if err := jsoncodec.Unmarshal(raw, &decoded); err != nil {
			_, err = fmt.Fprintln(w, string(raw))
			return err
		}
		v = decoded
	}
	out, err := jsoncodec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
