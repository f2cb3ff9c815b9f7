package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/dotsetgreg/dottask/pkg/classify"
	"github.com/dotsetgreg/dottask/pkg/tasks"
)

// withRuntime loads the config, opens the agent state and runs fn against it.
func withRuntime(cmd *cobra.Command, flags *cliFlags, requireLLM bool, fn func(*cobra.Command, *appRuntime) error) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	rt, err := openRuntime(ctxOf(cmd), cfg, runtimeOptions{requireLLM: requireLLM})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(cmd, rt)
}

func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func scanNow(cmd *cobra.Command, rt *appRuntime) error {
	res, err := rt.agent.TriggerScan(ctxOf(cmd))
	if err != nil {
		return err
	}
	printScanResult(cmd.OutOrStdout(), res)
	return nil
}

func printScanResult(w io.Writer, res classify.Result) {
	if res.Skipped != "" {
		fmt.Fprintf(w, "Scan skipped: %s\n", res.Skipped)
		return
	}
	fmt.Fprintf(w, "Scanned %d emails and %d threads in %s\n",
		res.EmailsScanned, res.ThreadsScanned, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "  Suggestions: %d new, %d already tracked, %d similar, %d rejected\n",
		res.SuggestionsCreated, res.SkippedDuplicate, res.SkippedSimilar, res.Rejected)
	if res.FailedBatches > 0 || res.FailedSources > 0 {
		fmt.Fprintf(w, "  Failures: %d batches, %d sources\n", res.FailedBatches, res.FailedSources)
	}
	fmt.Fprintf(w, "  Tokens used: %d\n", res.TokensUsed)
	for _, t := range res.Added {
		fmt.Fprintf(w, "  + %s  %s\n", shortID(t.ID), t.Title)
	}
}

func scanStatus(cmd *cobra.Command, rt *appRuntime) error {
	st, err := rt.agent.ScanStatus(ctxOf(cmd))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Enabled: %t\n", st.Config.Enabled)
	fmt.Fprintf(w, "Scans today: %d/%d\n", st.Usage.ScansToday, st.Config.MaxScansPerDay)
	fmt.Fprintf(w, "Tokens today: %d/%d\n", st.Usage.TokensToday, st.Config.MaxTokensPerDay)
	fmt.Fprintf(w, "Cadence: every %dm with clients, %dm without\n",
		st.Config.ActiveIntervalMinutes, st.Config.InactiveIntervalMinutes)
	if st.Decision.Allowed {
		fmt.Fprintln(w, "Next scan: allowed")
	} else {
		fmt.Fprintf(w, "Next scan: blocked (%s)\n", st.Decision.Reason)
	}
	if st.NextWake != nil {
		fmt.Fprintf(w, "Next wake: %s\n", st.NextWake.Local().Format(time.RFC1123))
	}
	if st.LastResult != nil {
		fmt.Fprintln(w, "\nLast scan:")
		printScanResult(w, *st.LastResult)
	}
	return nil
}

// parseOverrides turns key=value arguments into a patch. Values that parse as
// JSON keep their type so numbers and booleans reach validation intact.
func parseOverrides(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q, expected key=value", arg)
		}
		value = strings.TrimSpace(value)
		if gjson.Valid(value) {
			patch[key] = gjson.Parse(value).Value()
		} else {
			patch[key] = value
		}
	}
	return patch, nil
}

func scanConfig(cmd *cobra.Command, rt *appRuntime, patch map[string]any) error {
	cfg, rejected, err := rt.agent.UpdateScanConfig(ctxOf(cmd), patch)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	for _, r := range rejected {
		fmt.Fprintf(w, "✗ %s\n", r.Error())
	}
	fmt.Fprintf(w, "enabled=%t maxScansPerDay=%d maxTokensPerDay=%d activeIntervalMinutes=%d inactiveIntervalMinutes=%d\n",
		cfg.Enabled, cfg.MaxScansPerDay, cfg.MaxTokensPerDay, cfg.ActiveIntervalMinutes, cfg.InactiveIntervalMinutes)
	if len(rejected) == len(patch) {
		return fmt.Errorf("no overrides applied")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveTaskID accepts a full id or a unique prefix of an active task id.
func resolveTaskID(ctx context.Context, rt *appRuntime, ref string) (string, error) {
	list, err := rt.agent.ListTasks(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, t := range list {
		if t.ID == ref {
			return ref, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%s: %w", ref, tasks.ErrNotFound)
	}
	return match, nil
}

func printTasks(w io.Writer, list []tasks.Task, empty string) {
	if len(list) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSCHEDULED\tTITLE")
	for _, t := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortID(t.ID), t.Status, valueOr(t.ScheduledDate, "-"), t.Title)
	}
	_ = tw.Flush()
}

func tasksList(cmd *cobra.Command, rt *appRuntime) error {
	list, err := rt.agent.ListTasks(ctxOf(cmd))
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), list, "No open tasks.")
	return nil
}

func tasksArchive(cmd *cobra.Command, rt *appRuntime) error {
	list, err := rt.agent.ArchivedTasks(ctxOf(cmd))
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), list, "Archive is empty.")
	return nil
}

func tasksAdd(cmd *cobra.Command, rt *appRuntime, title, description, scheduled string, categories []string) error {
	t, err := rt.agent.CreateTask(ctxOf(cmd), tasks.Draft{
		Title:         title,
		Description:   description,
		ScheduledDate: scheduled,
		Categories:    categories,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Added %s  %s\n", shortID(t.ID), t.Title)
	return nil
}

func tasksAccept(cmd *cobra.Command, rt *appRuntime, ref string) error {
	ctx := ctxOf(cmd)
	id, err := resolveTaskID(ctx, rt, ref)
	if err != nil {
		return err
	}
	t, err := rt.agent.AcceptSuggestion(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Accepted %s\n", t.Title)
	return nil
}

func tasksDecline(cmd *cobra.Command, rt *appRuntime, ref, reason string) error {
	ctx := ctxOf(cmd)
	id, err := resolveTaskID(ctx, rt, ref)
	if err != nil {
		return err
	}
	t, err := rt.agent.DeclineSuggestion(ctx, id, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Declined %s\n", t.Title)
	return nil
}

func tasksDone(cmd *cobra.Command, rt *appRuntime, ref string) error {
	ctx := ctxOf(cmd)
	id, err := resolveTaskID(ctx, rt, ref)
	if err != nil {
		return err
	}
	t, err := rt.agent.CompleteTask(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Completed %s\n", t.Title)
	return nil
}

func memoryShow(cmd *cobra.Command, rt *appRuntime) error {
	snap, err := rt.agent.Memory(ctxOf(cmd))
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "Summary:")
	if snap.Summary == nil {
		fmt.Fprintln(w, "  (none yet)")
	} else {
		fmt.Fprintf(w, "  %s\n", *snap.Summary)
	}
	fmt.Fprintln(w, "\nFacts:")
	if len(snap.Facts) == 0 {
		fmt.Fprintln(w, "  (none yet)")
	}
	for i, f := range snap.Facts {
		fmt.Fprintf(w, "  %d. %s\n", i, f)
	}
	if len(snap.Conversations) > 0 {
		fmt.Fprintln(w, "\nConversations:")
		for _, c := range snap.Conversations {
			fmt.Fprintf(w, "  [%s] %s\n", c.ConversationID, c.Summary)
		}
	}
	return nil
}

func memoryForget(cmd *cobra.Command, rt *appRuntime, arg string) error {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		return fmt.Errorf("fact index must be an integer: %w", err)
	}
	if err := rt.agent.DeleteFact(ctxOf(cmd), idx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Forgot fact %d\n", idx)
	return nil
}

func eventsList(cmd *cobra.Command, rt *appRuntime, limit int, types []string) error {
	events, err := rt.agent.Events(ctxOf(cmd), limit, types...)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(w, "No events.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Type, ev.Detail)
	}
	return tw.Flush()
}

func execCmd(cmd *cobra.Command, rt *appRuntime, args []string) error {
	var (
		code []byte
		err  error
	)
	if len(args) == 1 {
		code, err = os.ReadFile(args[0])
	} else {
		code, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("read code: %w", err)
	}
	res, err := rt.agent.ExecuteCode(ctxOf(cmd), string(code))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if res.TimedOut {
		return fmt.Errorf("execution timed out after %s", res.Duration.Round(time.Millisecond))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("exit code %d", res.ExitCode)
	}
	return nil
}
