package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/vault"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

const (
	cmdHelp        = "!help"
	cmdQuit        = "!quit"
	cmdTenant      = "!tenant"
	cmdUser        = "!user"
	cmdRole        = "!role"
	cmdStore       = "!store"
	cmdRetrieve    = "!retrieve"
	cmdGet         = "!get"
	cmdList        = "!list"
	cmdDelete      = "!delete"
	cmdPurge       = "!purge"
	cmdAudit       = "!audit"
	cmdStats       = "!stats"
	cmdHealth      = "!health"
	cmdSweep       = "!sweep"
	cmdConsolidate = "!consolidate"
)

var shellCommands = []string{
	cmdHelp, cmdQuit, cmdTenant, cmdUser, cmdRole, cmdStore, cmdRetrieve, cmdGet,
	cmdList, cmdDelete, cmdPurge, cmdAudit, cmdStats, cmdHealth, cmdSweep, cmdConsolidate,
}

const helpText = `
NeuroVault shell - Command Reference:
-----------------------------------------
!help                 - Show this help message
!tenant <id>          - Set the current tenant
!user <id>            - Set the current user
!role <role>          - Set the current role (admin, user, viewer, system)
!store <text>         - Store an episodic memory
!retrieve <query>     - Retrieve the most relevant memories
!get <id>             - Show one memory
!list [cursor]        - List memories, 50 per page
!delete <id>          - Archive a memory
!purge <id>           - Remove a memory permanently
!audit <id>           - Show the audit trail of a memory
!stats                - Count memories by status and type
!health               - Probe the backends
!sweep                - Run the decay sweep now
!consolidate          - Run consolidation now
!quit                 - Exit the shell

Plain text is treated as a retrieve query.`

const historyFile = ".neurovault_history"

func newShellCmd(a *app) *cobra.Command {
	var stdinMode bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive memory shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdinMode {
				return a.runScript(cmd.Context(), os.Stdin)
			}
			return a.runShell(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&stdinMode, "stdin", "s", false, "Read commands from stdin and exit when complete")
	return cmd
}

func (a *app) prompt() string {
	return fmt.Sprintf("neurovault::%s@%s(%s)> ", a.user, a.tenant, a.role)
}

// runScript executes one command per line; blank lines and # comments are skipped.
func (a *app) runScript(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" || strings.HasPrefix(input, "#") {
			continue
		}
		fmt.Fprintln(a.out, a.prompt()+input)
		if !a.dispatch(ctx, input, nil) {
			return nil
		}
	}
	return scanner.Err()
}

func (a *app) runShell(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetMultiLineMode(false)
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range shellCommands {
			if strings.HasPrefix(cmd, input) {
				c = append(c, cmd)
			}
		}
		return
	})

	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintln(a.out, "\n=== NeuroVault Shell ===")
	fmt.Fprintf(a.out, "Metadata store: %s | Vector backends: %s\n",
		a.cfg.Metadata.Type, strings.Join(a.cfg.Vector.Backends, ", "))
	fmt.Fprintln(a.out, "Type !help for available commands.")

	for {
		input, err := line.Prompt(a.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(a.out, "\nGoodbye!")
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if !a.dispatch(ctx, input, line) {
			return nil
		}
	}
}

// dispatch runs one shell line and reports whether the shell should continue.
// Errors are printed, never returned, so that a failed command does not end
// the session.
func (a *app) dispatch(ctx context.Context, input string, line *liner.State) bool {
	if !strings.HasPrefix(input, "!") {
		a.report(a.shellRetrieve(ctx, input))
		return true
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	if arg == "" && line != nil && needsArg(cmd) {
		var err error
		if arg, err = line.Prompt("Enter value for " + cmd + ": "); err != nil || strings.TrimSpace(arg) == "" {
			fmt.Fprintln(a.out, "Cancelled")
			return true
		}
		arg = strings.TrimSpace(arg)
	}
	if arg == "" && needsArg(cmd) {
		fmt.Fprintf(a.out, "%s needs an argument\n", cmd)
		return true
	}

	caller, err := a.caller()
	if err != nil && cmd != cmdRole && cmd != cmdHelp && cmd != cmdQuit {
		a.report(err)
		return true
	}

	switch cmd {
	case cmdHelp:
		fmt.Fprintln(a.out, helpText)
	case cmdQuit:
		fmt.Fprintln(a.out, "Goodbye!")
		return false
	case cmdTenant:
		a.tenant = arg
		a.printf("Tenant set to: %s\n", a.tenant)
	case cmdUser:
		a.user = arg
		a.printf("User set to: %s\n", a.user)
	case cmdRole:
		if _, err := entity.ParseRole(arg); err != nil {
			a.report(err)
			break
		}
		a.role = arg
		a.printf("Role set to: %s\n", a.role)
	case cmdStore:
		rec, err := a.svc.Store(ctx, caller, vault.StoreRequest{Content: arg})
		if err == nil {
			a.printf("Stored %s\n", rec.ID)
		}
		a.report(err)
	case cmdRetrieve:
		a.report(a.shellRetrieve(ctx, arg))
	case cmdGet:
		rec, err := a.svc.Get(ctx, caller, arg)
		if err == nil {
			printRecord(a.out, rec)
		}
		a.report(err)
	case cmdDelete, cmdPurge:
		err := a.svc.Delete(ctx, caller, arg, cmd == cmdPurge)
		if err == nil {
			a.printf("Deleted %s\n", arg)
		}
		a.report(err)
	case cmdAudit:
		entries, err := a.svc.AuditLog(ctx, caller, arg)
		for _, e := range entries {
			a.printf("%s %-8s by %s %v\n", e.At.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Changes)
		}
		a.report(err)
	case cmdList:
		page, err := a.svc.List(ctx, caller, vault.ListRequest{Cursor: arg})
		if err == nil {
			printPage(a.out, page)
		}
		a.report(err)
	case cmdStats:
		st, err := a.svc.Stats(ctx, caller)
		if err == nil {
			printStats(a.out, st)
		}
		a.report(err)
	case cmdHealth:
		h := a.svc.Health(ctx)
		a.printf("metadata=%s vector=%s cache=%s embedding=%s\n", h.MetadataStore, h.VectorIndex, h.CacheLayer, h.EmbeddingCircuit)
	case cmdSweep:
		report, err := a.svc.RunDecay(ctx)
		if err == nil {
			a.printf("Archived %d, expired %d of %d scanned\n", report.Archived, report.Expired, report.Scanned)
		}
		a.report(err)
	case cmdConsolidate:
		report, err := a.svc.RunConsolidation(ctx)
		if err == nil {
			a.printf("Promoted %d semantic memories from %d groups\n", report.Promoted, report.Groups)
		}
		a.report(err)
	default:
		a.printf("Unknown command: %s\nType !help for available commands.\n", cmd)
	}
	return true
}

func needsArg(cmd string) bool {
	switch cmd {
	case cmdTenant, cmdUser, cmdRole, cmdStore, cmdRetrieve, cmdGet, cmdDelete, cmdPurge, cmdAudit:
		return true
	}
	return false
}

func (a *app) shellRetrieve(ctx context.Context, query string) error {
	caller, err := a.caller()
	if err != nil {
		return err
	}
	res, err := a.svc.Retrieve(ctx, caller, vault.RetrieveRequest{Query: query})
	if err != nil {
		return err
	}
	printResult(a.out, res)
	return nil
}

func (a *app) report(err error) {
	if err != nil {
		a.printf("Error: %v\n", err)
	}
}
