package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbd888/infravault/pkg/client"
)

func (o *RootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, o.Timeout)
}

func parseID(arg, what string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid %s %q", what, arg)}
	}
	return id, nil
}

func newInfoCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show server version and configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			info, err := opts.client().Info(ctx)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(info, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", info.Name, info.Version)
				fmt.Fprintf(w, "  oracle    %s\n", info.OracleMode)
				fmt.Fprintf(w, "  receipts  %t\n", info.Receipts)
				fmt.Fprintf(w, "  sectors   %s\n", strings.Join(info.Sectors, ", "))
			})
		},
	}
}

func newEncryptCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt <value>...",
		Short: "Mint ciphertext handles (development servers only)",
		Args:  cobra.RangeArgs(1, 16),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]uint64, 0, len(args))
			for _, a := range args {
				v, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid value %q", a)}
				}
				values = append(values, v)
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			handles, err := opts.client().Encrypt(ctx, values...)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(handles, func(w io.Writer) {
				for _, h := range handles {
					fmt.Fprintln(w, h)
				}
			})
		},
	}
}

func newSubmitCommand(opts *RootOptions) *cobra.Command {
	var in client.SubmitNetworkInput

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an encrypted network from ciphertext handles",
		Example: `  infravaultctl submit --sector power \
    --dependency-matrix 0x... --capacity 0x... --criticality 0x...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			n, err := opts.client().SubmitNetwork(ctx, in)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(n, func(w io.Writer) {
				fmt.Fprintf(w, "network %d submitted\n", n.ID)
			})
		},
	}

	cmd.Flags().StringVar(&in.DependencyMatrix, "dependency-matrix", "", "ciphertext handle of the dependency matrix")
	cmd.Flags().StringVar(&in.Capacity, "capacity", "", "ciphertext handle of the capacity")
	cmd.Flags().StringVar(&in.Criticality, "criticality", "", "ciphertext handle of the criticality")
	cmd.Flags().StringVar(&in.Sector, "sector", "", "sector (power|telecom|transport|water)")
	for _, f := range []string{"dependency-matrix", "capacity", "criticality", "sector"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// AssessResult is the JSON output of the assess command.
type AssessResult struct {
	Network *client.Network       `json:"network"`
	Status  *client.NetworkStatus `json:"status"`
}

func newAssessCommand(opts *RootOptions) *cobra.Command {
	var (
		sector   string
		noReveal bool
		poll     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "assess <dependency-matrix> <capacity> <criticality>",
		Short: "Encrypt, submit, analyze and reveal a network in one go (development servers only)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]uint64, 0, 3)
			for _, a := range args {
				v, err := strconv.ParseUint(a, 10, 64)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid metric %q", a)}
				}
				values = append(values, v)
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)
			c := opts.client()

			handles, err := c.Encrypt(ctx, values...)
			if err != nil {
				return out.Fail(err)
			}
			n, err := c.SubmitNetwork(ctx, client.SubmitNetworkInput{
				DependencyMatrix: handles[0],
				Capacity:         handles[1],
				Criticality:      handles[2],
				Sector:           sector,
			})
			if err != nil {
				return out.Fail(err)
			}
			out.VerboseLog("submitted network %d", n.ID)

			reqID, err := c.RequestAnalysis(ctx, n.ID)
			if err != nil {
				return out.Fail(err)
			}
			out.VerboseLog("analysis requested (%s)", reqID)
			st, err := c.WaitForStatus(ctx, n.ID, client.StatusAnalyzed, poll)
			if err != nil {
				return out.Fail(err)
			}

			if !noReveal {
				reqID, err = c.RequestReveal(ctx, st.AnalysisID)
				if err != nil {
					return out.Fail(err)
				}
				out.VerboseLog("reveal requested (%s)", reqID)
				st, err = c.WaitForStatus(ctx, n.ID, client.StatusRevealed, poll)
				if err != nil {
					return out.Fail(err)
				}
			}

			return out.Result(AssessResult{Network: n, Status: st}, func(w io.Writer) {
				printStatus(w, st)
			})
		},
	}

	cmd.Flags().StringVar(&sector, "sector", "power", "sector (power|telecom|transport|water)")
	cmd.Flags().BoolVar(&noReveal, "no-reveal", false, "stop after the encrypted analysis")
	cmd.Flags().DurationVar(&poll, "poll", 250*time.Millisecond, "status poll interval")
	return cmd
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <network-id>",
		Short: "Show the protocol state of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "network id")
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			st, err := opts.client().NetworkStatus(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(st, func(w io.Writer) { printStatus(w, st) })
		},
	}
}

func newAnalyzeCommand(opts *RootOptions) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "analyze <network-id>",
		Short: "Request the encrypted risk analysis of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "network id")
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)
			c := opts.client()

			reqID, err := c.RequestAnalysis(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			if !wait {
				return out.Result(map[string]any{"requestId": reqID, "networkId": id}, func(w io.Writer) {
					fmt.Fprintf(w, "analysis requested: %s\n", reqID)
				})
			}
			st, err := c.WaitForStatus(ctx, id, client.StatusAnalyzed, 0)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(st, func(w io.Writer) { printStatus(w, st) })
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the oracle callback")
	return cmd
}

func newRevealCommand(opts *RootOptions) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "reveal <analysis-id>",
		Short: "Request public decryption of an analysis (irreversible)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "analysis id")
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)
			c := opts.client()

			reqID, err := c.RequestReveal(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			if !wait {
				return out.Result(map[string]any{"requestId": reqID, "analysisId": id}, func(w io.Writer) {
					fmt.Fprintf(w, "reveal requested: %s\n", reqID)
				})
			}
			analysis, err := c.GetAnalysis(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			st, err := c.WaitForStatus(ctx, analysis.NetworkID, client.StatusRevealed, 0)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(st, func(w io.Writer) { printStatus(w, st) })
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the oracle callback")
	return cmd
}

func newResultCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <analysis-id>",
		Short: "Show the result slot of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "analysis id")
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			res, err := opts.client().GetResult(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(res, func(w io.Writer) {
				fmt.Fprintf(w, "analysis %d\n", res.AnalysisID)
				printResult(w, res)
			})
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	var f client.EventFilter

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List audit events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			events, err := opts.client().ListEvents(ctx, f)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(events, func(w io.Writer) {
				for _, e := range events {
					printEvent(w, e)
				}
			})
		},
	}

	cmd.Flags().StringVar(&f.Type, "type", "", "event type, e.g. result.decrypted")
	cmd.Flags().Uint64Var(&f.NetworkID, "network", 0, "only events for this network")
	cmd.Flags().Uint64Var(&f.AnalysisID, "analysis", 0, "only events for this analysis")
	cmd.Flags().Int64Var(&f.Since, "since", 0, "only events after this sequence number")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum number of events")
	return cmd
}

func printEvent(w io.Writer, e client.Event) {
	fmt.Fprintf(w, "%6d  %s  %-22s", e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Type)
	if e.NetworkID > 0 {
		fmt.Fprintf(w, " network=%d", e.NetworkID)
	}
	if e.AnalysisID > 0 {
		fmt.Fprintf(w, " analysis=%d", e.AnalysisID)
	}
	if e.RequestID != "" {
		fmt.Fprintf(w, " %s", colorDim.Sprint(e.RequestID))
	}
	fmt.Fprintln(w)
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	var (
		f                  client.WatchFilter
		networks, analyses []uint
		count              int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream ledger events as they happen",
		Long: `Stream ledger events over the server's WebSocket feed until interrupted.
With --since, stored events after that sequence number are replayed first.
JSON output writes one event object per line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := opts.formatter(cmd)
			enc := json.NewEncoder(out.Writer)
			for _, id := range networks {
				f.NetworkIDs = append(f.NetworkIDs, uint64(id))
			}
			for _, id := range analyses {
				f.AnalysisIDs = append(f.AnalysisIDs, uint64(id))
			}

			n := 0
			err := opts.client().Watch(ctx, f, func(e client.Event) error {
				if out.Format == "json" {
					if err := enc.Encode(e); err != nil {
						return err
					}
				} else {
					printEvent(out.Writer, e)
				}
				if n++; count > 0 && n >= count {
					return client.StopWatch
				}
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return out.Fail(err)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&f.Types, "type", nil, "event types to stream (repeatable)")
	cmd.Flags().UintSliceVar(&networks, "network", nil, "only events for these networks")
	cmd.Flags().UintSliceVar(&analyses, "analysis", nil, "only events for these analyses")
	cmd.Flags().Int64Var(&f.SinceSeq, "since", 0, "replay stored events after this sequence number")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 streams forever)")
	return cmd
}

func newReceiptsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts <analysis-id>",
		Short: "List signed receipts for an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "analysis id")
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			receipts, err := opts.client().ListReceipts(ctx, id)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(receipts, func(w io.Writer) {
				for _, r := range receipts {
					fmt.Fprintf(w, "%s  %-8s  %s\n", r.ID, r.Kind, r.IssuedAt.UTC().Format(time.RFC3339))
				}
			})
		},
	}

	var file string
	verify := &cobra.Command{
		Use:   "verify [receipt-id]",
		Short: "Verify a receipt by id, or a held copy with --file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return &ExitError{Code: ExitCommandError, Message: "give a receipt id or --file, not both"}
			}
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			var (
				v   *client.ReceiptVerification
				err error
			)
			if file != "" {
				var held client.Receipt
				if held, err = readReceipt(file); err != nil {
					return &ExitError{Code: ExitCommandError, Message: err.Error()}
				}
				v, err = opts.client().VerifyReceiptCopy(ctx, &held)
			} else {
				v, err = opts.client().VerifyReceipt(ctx, args[0])
			}
			if err != nil {
				return out.Fail(err)
			}
			if err := out.Result(v, func(w io.Writer) {
				if v.Valid {
					fmt.Fprintf(w, "%s %s\n", colorOK.Sprint("valid"), v.ReceiptID)
					return
				}
				fmt.Fprintf(w, "%s %s %s\n", colorFail.Sprint("invalid"), v.ReceiptID, v.Error)
			}); err != nil {
				return err
			}
			if !v.Valid {
				return &ExitError{Code: ExitFailure, Message: "receipt is not valid", Reported: true}
			}
			return nil
		},
	}
	verify.Flags().StringVar(&file, "file", "", "JSON file holding one receipt, e.g. an element of 'receipts <id> --format json'")
	cmd.AddCommand(verify)
	return cmd
}

func readReceipt(path string) (client.Receipt, error) {
	var r client.Receipt
	data, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	// Accept both the bare receipt and the {"receipt": ...} envelope.
	var env struct {
		Receipt *client.Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(data, &env); err == nil && env.Receipt != nil {
		return *env.Receipt, nil
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("parse %s: %w", path, err)
	}
	if r.ID == "" {
		return r, fmt.Errorf("%s: receipt has no id", path)
	}
	return r, nil
}

func newWebhooksCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage event webhooks",
	}

	var events []string
	create := &cobra.Command{
		Use:   "create <url>",
		Short: "Register a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			wh, secret, err := opts.client().CreateWebhook(ctx, args[0], events)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(map[string]any{"webhook": wh, "secret": secret}, func(w io.Writer) {
				fmt.Fprintf(w, "webhook %s created\n", wh.ID)
				fmt.Fprintf(w, "secret  %s\n", colorPending.Sprint(secret))
				fmt.Fprintln(w, "Store the secret now; it is not shown again.")
			})
		},
	}
	create.Flags().StringSliceVar(&events, "events", nil, "event types to deliver (default all)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List your webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			hooks, err := opts.client().ListWebhooks(ctx)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(hooks, func(w io.Writer) {
				for _, h := range hooks {
					state := colorOK.Sprint("active")
					if !h.Active {
						state = colorFail.Sprint("disabled")
					}
					fmt.Fprintf(w, "%s  %s  %s\n", h.ID, state, h.URL)
				}
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <webhook-id>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			if err := opts.client().DeleteWebhook(ctx, args[0]); err != nil {
				return out.Fail(err)
			}
			return out.Result(map[string]string{"deleted": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "webhook %s deleted\n", args[0])
			})
		},
	}

	enable := &cobra.Command{
		Use:   "enable <webhook-id>",
		Short: "Re-enable a webhook disabled after failed deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			wh, err := opts.client().EnableWebhook(ctx, args[0])
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(wh, func(w io.Writer) {
				fmt.Fprintf(w, "webhook %s %s\n", wh.ID, colorOK.Sprint("active"))
			})
		},
	}

	cmd.AddCommand(create, list, enable, del)
	return cmd
}

func newAdminCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate on stuck oracle requests (admin key required)",
	}

	var olderThan time.Duration
	var limit int
	pending := &cobra.Command{
		Use:   "pending",
		Short: "List oracle requests still awaiting a callback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			reqs, err := opts.client().ListPending(ctx, olderThan, limit)
			if err != nil {
				return out.Fail(err)
			}
			return out.Result(reqs, func(w io.Writer) {
				if len(reqs) == 0 {
					fmt.Fprintln(w, "no pending requests")
					return
				}
				for _, r := range reqs {
					fmt.Fprintf(w, "%s  %-8s target=%d  age=%s\n", r.RequestID, r.Kind, r.TargetID, colorPending.Sprint(r.Age))
				}
			})
		},
	}
	pending.Flags().DurationVar(&olderThan, "older-than", 0, "only requests older than this")
	pending.Flags().IntVar(&limit, "limit", 100, "maximum requests to list")

	expire := &cobra.Command{
		Use:   "expire <request-id>",
		Short: "Retire a pending request so its callback is rejected",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			if err := opts.client().ExpirePending(ctx, args[0]); err != nil {
				return out.Fail(err)
			}
			return out.Result(map[string]string{"expired": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "request %s expired\n", args[0])
			})
		},
	}

	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Check pending requests against the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			out := opts.formatter(cmd)

			report, err := opts.client().Reconcile(ctx)
			if err != nil {
				return out.Fail(err)
			}
			if err := out.Result(report, func(w io.Writer) {
				state := colorOK.Sprint("healthy")
				if !report.Healthy {
					state = colorFail.Sprint("inconsistent")
				}
				fmt.Fprintf(w, "%s  checked=%d missing=%d analyzed=%d revealed=%d overdue=%d\n", state,
					report.Checked, report.MissingTargets, report.AlreadyAnalyzed, report.AlreadyRevealed, report.Overdue)
				for _, f := range report.Findings {
					fmt.Fprintf(w, "  %s  %-8s target=%d  %s\n", f.RequestID, f.Kind, f.TargetID, colorDim.Sprint(f.Problem))
				}
			}); err != nil {
				return err
			}
			if !report.Healthy {
				return &ExitError{Code: ExitFailure, Message: "ledger and tracker disagree", Reported: true}
			}
			return nil
		},
	}

	cmd.AddCommand(pending, expire, reconcile)
	return cmd
}
