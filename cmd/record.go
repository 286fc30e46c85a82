package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/audiolibrelab/sigcapture/internal/service"
	"github.com/audiolibrelab/sigcapture/internal/storage"

	"github.com/spf13/cobra"
)

// maxLineSize bounds one NDJSON batch line.
const maxLineSize = 16 * 1024 * 1024

// recordLine is one NDJSON input line. Every field is optional.
type recordLine struct {
	Slot    int           `json:"slot"`
	Signals []storage.Row `json:"signals"`
	Mask    []storage.Row `json:"mask"`
	Metrics []storage.Row `json:"metrics"`
	Event   *string       `json:"event"`
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a session from NDJSON sample batches",
	Long: `Create a session for the profile's device (or resume one with --session)
and record the batches read from stdin or --input, one JSON object per line:

  {"slot":0,"signals":[{"ts":1700000000000,"values":[0.1,0.2]}],"mask":[...],"metrics":[...]}
  {"event":"eyes closed"}

Recording stops at end of input or on Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputPath, _ := cmd.Flags().GetString("input")
		sessionID, _ := cmd.Flags().GetString("session")

		input := io.Reader(os.Stdin)
		if inputPath != "" && inputPath != "-" {
			f, err := os.Open(inputPath)
			if err != nil {
				return fmt.Errorf("failed to open input: %w", err)
			}
			defer f.Close()
			input = f
		}

		svc := service.New(cfg, cfgFile)
		defer func() {
			if err := svc.Shutdown(context.Background()); err != nil {
				slog.Error("Shutdown failed", "error", err)
			}
		}()

		if sessionID == "" {
			info, err := svc.CreateSession()
			if err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			sessionID = info.ID
		}

		var received atomic.Int64
		subID, err := svc.Subscribe(sessionID, func(slot int, signals []storage.Row) error {
			received.Add(int64(len(signals)))
			return nil
		})
		if err != nil {
			return err
		}
		defer svc.Unsubscribe(sessionID, subID)

		if err := svc.StartRecording(cmd.Context(), sessionID); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording started - Press Ctrl+C to stop", "session_id", sessionID, "device", cfg.Device.Name)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		lines, ingestErr := ingestLines(ctx, svc, sessionID, input)
		if ingestErr != nil && !errors.Is(ingestErr, context.Canceled) {
			slog.Error("Ingestion stopped", "session_id", sessionID, "error", ingestErr)
		}

		slog.Info("Stopping recording...")
		if err := svc.StopRecording(context.Background(), sessionID, true); err != nil {
			return fmt.Errorf("failed to stop recording: %w", err)
		}

		info, err := svc.GetSession(sessionID)
		if err != nil {
			return err
		}
		slog.Info("Recording stopped",
			"session_id", sessionID,
			"lines", lines,
			"samples", received.Load(),
			"duration_s", info.Duration,
			"size", info.SizeHuman)
		fmt.Println(sessionID)

		if ingestErr != nil && !errors.Is(ingestErr, context.Canceled) {
			return ingestErr
		}
		return nil
	},
}

// ingestLines feeds NDJSON batches into a session until r is exhausted or ctx
// is cancelled. Malformed lines are logged and skipped. It returns the number
// of lines applied.
func ingestLines(ctx context.Context, svc service.Service, id string, r io.Reader) (int, error) {
	type scanned struct {
		line []byte
		err  error
	}

	// The scanner blocks on stdin, so it runs apart from the cancellable loop.
	ch := make(chan scanned)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case ch <- scanned{line: line}:
			case <-done:
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- scanned{err: err}:
			case <-done:
			}
		}
	}()

	applied, lineNo := 0, 0
	for {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		case s, ok := <-ch:
			if !ok {
				return applied, nil
			}
			if s.err != nil {
				return applied, fmt.Errorf("failed to read input: %w", s.err)
			}
			lineNo++
			if len(s.line) == 0 {
				continue
			}

			var rec recordLine
			if err := json.Unmarshal(s.line, &rec); err != nil {
				slog.Warn("Skipping malformed input line", "line", lineNo, "error", err)
				continue
			}
			if err := applyLine(ctx, svc, id, rec); err != nil {
				slog.Warn("Skipping rejected input line", "line", lineNo, "error", err)
				continue
			}
			applied++
		}
	}
}

func applyLine(ctx context.Context, svc service.Service, id string, rec recordLine) error {
	if len(rec.Signals) > 0 || len(rec.Mask) > 0 {
		if err := svc.AddSamples(ctx, id, rec.Slot, rec.Signals, rec.Mask); err != nil {
			return err
		}
	}
	if len(rec.Metrics) > 0 {
		if err := svc.AddMetrics(ctx, id, rec.Slot, rec.Metrics); err != nil {
			return err
		}
	}
	if rec.Event != nil {
		m, err := svc.AddEvent(ctx, id, *rec.Event)
		if err != nil {
			return err
		}
		slog.Info("Event added", "session_id", id, "ts", m.TS, "name", m.Name)
	}
	return nil
}

func init() {
	recordCmd.Flags().StringP("input", "i", "", "NDJSON input file (default stdin)")
	recordCmd.Flags().StringP("session", "s", "", "resume recording into an existing session")
}
