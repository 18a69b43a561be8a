package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"github.com/lexlapax/neurovault/pkg/retrieval"
	"github.com/lexlapax/neurovault/pkg/vault"
	"github.com/spf13/cobra"
)

func newStoreCmd(a *app) *cobra.Command {
	var (
		typ          string
		importance   float64
		confidence   float64
		conversation string
		ttlDays      int
		meta         []string
	)
	cmd := &cobra.Command{
		Use:   "store [text]",
		Short: "Store a memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			md, err := parseMeta(meta)
			if err != nil {
				return err
			}
			req := vault.StoreRequest{
				Content:        strings.Join(args, " "),
				Type:           mem.Type(typ),
				ConversationID: conversation,
				TTLDays:        ttlDays,
				Metadata:       md,
			}
			if cmd.Flags().Changed("importance") {
				req.Importance = &importance
			}
			if cmd.Flags().Changed("confidence") {
				req.Confidence = &confidence
			}
			rec, err := a.svc.Store(cmd.Context(), caller, req)
			if err != nil {
				return err
			}
			return a.emit(rec, func(w io.Writer) {
				fmt.Fprintf(w, "Stored %s (%s, importance %.1f)\n", rec.ID, rec.Type, rec.Importance)
				if !rec.HasEmbedding() {
					fmt.Fprintln(w, "warning: stored without embedding")
				}
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(mem.Episodic), "Memory type: episodic, semantic or procedural")
	cmd.Flags().Float64Var(&importance, "importance", mem.DefaultImportance, "Importance in [0,10]")
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "Confidence in [0,1]")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id")
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 0, "Expire the memory after this many days")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Metadata as key=value, repeatable")
	return cmd
}

func newRetrieveCmd(a *app) *cobra.Command {
	var req vault.RetrieveRequest
	cmd := &cobra.Command{
		Use:     "retrieve [query]",
		Aliases: []string{"search"},
		Short:   "Retrieve the most relevant memories",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			req.Query = strings.Join(args, " ")
			res, err := a.svc.Retrieve(cmd.Context(), caller, req)
			if err != nil {
				return err
			}
			return a.emit(res, func(w io.Writer) { printResult(w, res) })
		},
	}
	cmd.Flags().IntVarP(&req.TopK, "top-k", "k", 0, "Number of memories to return (default 5)")
	cmd.Flags().Float64Var(&req.MinRelevance, "min-relevance", 0, "Drop memories scoring below this")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "Only memories of this conversation")
	return cmd
}

func printResult(w io.Writer, res *retrieval.Result) {
	if len(res.Items) == 0 {
		fmt.Fprintln(w, "No memories found.")
		return
	}
	fmt.Fprintf(w, "Found %d of %d matching memories in %.1fms", len(res.Items), res.TotalMatches, res.RetrievalTimeMs)
	switch {
	case res.Degraded:
		fmt.Fprint(w, " (degraded: most recent first)")
	case res.CacheHit:
		fmt.Fprint(w, " (cached)")
	}
	fmt.Fprintln(w)
	for i, it := range res.Items {
		fmt.Fprintf(w, "%d. [%.3f] %s\n", i+1, it.Score, it.Record.Content)
		fmt.Fprintf(w, "   id=%s type=%s created=%s\n", it.Record.ID, it.Record.Type, it.Record.Timestamp.Format(time.RFC3339))
	}
}

func printRecord(w io.Writer, rec *mem.Record) {
	fmt.Fprintf(w, "ID:          %s\n", rec.ID)
	fmt.Fprintf(w, "Type:        %s\n", rec.Type)
	fmt.Fprintf(w, "Status:      %s\n", rec.Status)
	fmt.Fprintf(w, "Version:     %d\n", rec.Version)
	fmt.Fprintf(w, "Content:     %s\n", rec.Content)
	fmt.Fprintf(w, "Importance:  %.1f\n", rec.Importance)
	fmt.Fprintf(w, "Confidence:  %.2f\n", rec.Confidence)
	fmt.Fprintf(w, "Accessed:    %d times, last %s\n", rec.AccessCount, rec.LastAccessed.Format(time.RFC3339))
	fmt.Fprintf(w, "Created:     %s\n", rec.Timestamp.Format(time.RFC3339))
	if rec.ConversationID != "" {
		fmt.Fprintf(w, "Conversation: %s\n", rec.ConversationID)
	}
	if rec.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:     %s\n", rec.ExpiresAt.Format(time.RFC3339))
	}
	if len(rec.ParentIDs) > 0 {
		fmt.Fprintf(w, "Parents:     %s\n", strings.Join(rec.ParentIDs, ", "))
	}
	if len(rec.Metadata) > 0 {
		keys := make([]string, 0, len(rec.Metadata))
		for k := range rec.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "Metadata:")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, rec.Metadata[k])
		}
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			rec, err := a.svc.Get(cmd.Context(), caller, args[0])
			if err != nil {
				return err
			}
			return a.emit(rec, func(w io.Writer) { printRecord(w, rec) })
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		req      vault.ListRequest
		types    []string
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Page through the caller's memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			for _, t := range types {
				typ, err := mem.ParseType(t)
				if err != nil {
					return err
				}
				req.Types = append(req.Types, typ)
			}
			for _, st := range statuses {
				status, err := mem.ParseStatus(st)
				if err != nil {
					return err
				}
				req.Statuses = append(req.Statuses, status)
			}
			page, err := a.svc.List(cmd.Context(), caller, req)
			if err != nil {
				return err
			}
			return a.emit(page, func(w io.Writer) { printPage(w, page) })
		},
	}
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 0, "Page size (default 50, max 500)")
	cmd.Flags().StringVar(&req.Cursor, "cursor", "", "Next cursor printed by the previous page")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "Only this conversation")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only these types")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only these statuses (default active)")
	return cmd
}

func printPage(w io.Writer, page *vault.ListPage) {
	if len(page.Records) == 0 {
		fmt.Fprintln(w, "No memories.")
		return
	}
	for _, rec := range page.Records {
		fmt.Fprintf(w, "%s  %-10s %-8s %4.1f  %s\n", rec.ID, rec.Type, rec.Status, rec.Importance, rec.Content)
	}
	if page.NextCursor != "" {
		fmt.Fprintf(w, "Next cursor: %s\n", page.NextCursor)
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		version    int64
		importance float64
		meta       []string
	)
	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Change importance or metadata of a memory",
		Long:  "Update applies the change only when the memory is still at --version. Use key=null to remove a metadata key.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			md, err := parseMeta(meta)
			if err != nil {
				return err
			}
			req := vault.UpdateRequest{ExpectedVersion: version, Metadata: md}
			if cmd.Flags().Changed("importance") {
				req.Importance = &importance
			}
			rec, err := a.svc.Update(cmd.Context(), caller, args[0], req)
			if err != nil {
				return err
			}
			return a.emit(rec, func(w io.Writer) {
				fmt.Fprintf(w, "Updated %s to version %d\n", rec.ID, rec.Version)
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "Version the memory is expected to be at")
	cmd.Flags().Float64Var(&importance, "importance", 0, "New importance in [0,10]")
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "Metadata as key=value, repeatable")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Archive a memory, or purge it with --hard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			if err := a.svc.Delete(cmd.Context(), caller, args[0], hard); err != nil {
				return err
			}
			verb := "Archived"
			if hard {
				verb = "Purged"
			}
			return a.emit(map[string]any{"id": args[0], "hard": hard}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", verb, args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "Remove the memory and its vector permanently")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var tenantID, userID string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every memory of a partition as JSON lines (system role)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			if tenantID == "" {
				tenantID = string(caller.TenantID)
			}
			if userID == "" {
				userID = caller.UserID
			}
			recs, err := a.svc.Export(cmd.Context(), caller, entity.TenantID(tenantID), userID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			for _, rec := range recs {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "Tenant to export (default the caller's)")
	cmd.Flags().StringVar(&userID, "user-id", "", "User to export (default the caller's)")
	return cmd
}

func newAuditCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "audit [id]",
		Short: "Show the audit trail of a memory (admin role)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			entries, err := a.svc.AuditLog(cmd.Context(), caller, args[0])
			if err != nil {
				return err
			}
			return a.emit(entries, func(w io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%s %-8s by %s %v\n", e.At.Format(time.RFC3339), e.Action, e.Actor, e.Changes)
				}
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count the caller's memories by status and type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := a.caller()
			if err != nil {
				return err
			}
			st, err := a.svc.Stats(cmd.Context(), caller)
			if err != nil {
				return err
			}
			return a.emit(st, func(w io.Writer) { printStats(w, st) })
		},
	}
}

func printStats(w io.Writer, st *vault.Stats) {
	fmt.Fprintf(w, "Total: %d\n", st.Total)
	for _, s := range mem.AllStatuses {
		fmt.Fprintf(w, "  %-14s %d\n", s, st.ByStatus[s])
	}
	for _, t := range []mem.Type{mem.Episodic, mem.Semantic, mem.Procedural} {
		fmt.Fprintf(w, "  %-14s %d\n", t, st.ByType[t])
	}
	if st.Cache != nil {
		fmt.Fprintf(w, "Cache: %d hits, %d misses\n", st.Cache.Hits, st.Cache.Misses)
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h := a.svc.Health(cmd.Context())
			return a.emit(h, func(w io.Writer) {
				fmt.Fprintf(w, "metadata_store:    %s\n", h.MetadataStore)
				fmt.Fprintf(w, "vector_index:      %s\n", h.VectorIndex)
				fmt.Fprintf(w, "cache_layer:       %s\n", h.CacheLayer)
				fmt.Fprintf(w, "embedding_circuit: %s\n", h.EmbeddingCircuit)
			})
		},
	}
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive decayed and expired memories now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.svc.RunDecay(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(report, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned %d memories in %d partitions: %d archived, %d expired, %d failed\n",
					report.Scanned, report.Partitions, report.Archived, report.Expired, report.Failed)
			})
		},
	}
}

func newConsolidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Promote frequently used episodes to semantic memories now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.svc.RunConsolidation(cmd.Context())
			if err != nil {
				return err
			}
			return a.emit(report, func(w io.Writer) {
				fmt.Fprintf(w, "Scanned %d memories in %d partitions: %d promoted from %d groups, %d archived, %d failed\n",
					report.Scanned, report.Partitions, report.Promoted, report.Groups, report.Archived, report.Failed)
			})
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the decay and consolidation loops until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.svc.Start(ctx); err != nil {
				return err
			}
			log.Info("Background maintenance running",
				"decay_interval", a.cfg.Decay.Interval(),
				"consolidation_interval", a.cfg.Consolidation.Interval())
			<-ctx.Done()
			log.Info("Shutting down")
			return nil
		},
	}
}

// parseMeta turns key=value pairs into metadata. Numbers and booleans are
// converted; null becomes a nil value, which removes the key on update.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", p)
		}
		md[k] = parseValue(v)
	}
	return md, nil
}

func parseValue(v string) any {
	switch v {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}
