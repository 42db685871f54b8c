// Command langorch is the operator CLI: validate and import CKP
// procedures, start runs, and inspect run status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/karuppusamym/LangOrch-sub000/internal/config"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/internal/trigger"
	"github.com/karuppusamym/LangOrch-sub000/pkg/ckp"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "langorch",
		Short:         "LangOrch operator CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML")

	openStore := func(ctx context.Context) (*store.Store, *config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.Open(ctx, cfg, ilog.New(ilog.FromEnv()))
		if err != nil {
			return nil, nil, err
		}
		return st, cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a CKP document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := loadCKP(args[0])
			if err != nil {
				return err
			}
			if errs := ckp.Validate(proc); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(os.Stderr, "  %v\n", e)
				}
				return fmt.Errorf("%s@%s: %d validation error(s)", proc.ProcedureID, proc.Version, len(errs))
			}
			fmt.Printf("%s@%s: valid (%d nodes)\n", proc.ProcedureID, proc.Version, len(proc.WorkflowGraph.Nodes))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import a CKP document as an immutable procedure version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proc, err := loadCKP(args[0])
			if err != nil {
				return err
			}
			if errs := ckp.Validate(proc); len(errs) > 0 {
				for _, e := range errs {
					fmt.Fprintf(os.Stderr, "  %v\n", e)
				}
				return fmt.Errorf("%s@%s: %d validation error(s)", proc.ProcedureID, proc.Version, len(errs))
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			row := &store.Procedure{
				ProcedureID: proc.ProcedureID,
				Version:     proc.Version,
				CKPJSON:     string(data),
			}
			if proc.Trigger != nil {
				raw, err := json.Marshal(proc.Trigger)
				if err != nil {
					return err
				}
				trig := string(raw)
				row.TriggerJSON = &trig
			}
			if err := st.ImportProcedure(cmd.Context(), row); err != nil {
				return err
			}
			fmt.Printf("imported %s@%s\n", proc.ProcedureID, proc.Version)
			return nil
		},
	})

	runVars := jsonVars{}
	runCmd := &cobra.Command{
		Use:   "run <procedure_id>",
		Short: "Create and enqueue a run of a procedure's latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			svc := trigger.NewService(st, cfg.Worker.MaxAttempts, ilog.New(ilog.FromEnv()))
			run, err := svc.Fire(cmd.Context(), args[0], "manual", "cli", runVars)
			if err != nil {
				return err
			}
			fmt.Printf("run %s queued (%s@%s)\n", run.RunID, run.ProcedureID, run.ProcedureVersion)
			return nil
		},
	}
	runCmd.Flags().Var(&runVars, "vars", "Input variables as a JSON object")
	root.AddCommand(runCmd)

	root.AddCommand(&cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run's status and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("run %s\n  procedure: %s@%s\n  status:    %s\n",
				run.RunID, run.ProcedureID, run.ProcedureVersion, run.Status)
			if run.ErrorMessage != nil {
				fmt.Printf("  error:     %s\n", *run.ErrorMessage)
			}
			events, err := st.ListEvents(cmd.Context(), run.RunID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				node := ""
				if ev.NodeID != nil {
					node = " " + *ev.NodeID
				}
				fmt.Printf("  %s %s%s\n", ev.Ts.Format("15:04:05"), ev.EventType, node)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Request cooperative cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.RequestCancellation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("cancellation requested for %s\n", args[0])
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("langorch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "langorch: %v\n", err)
		os.Exit(1)
	}
}

func loadCKP(path string) (*ckp.Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ckp.Parse(data)
}

// jsonVars parses a JSON object flag into run input variables.
type jsonVars map[string]any

var _ pflag.Value = (*jsonVars)(nil)

func (v *jsonVars) String() string {
	if len(*v) == 0 {
		return ""
	}
	raw, _ := json.Marshal(*v)
	return string(raw)
}

func (v *jsonVars) Set(s string) error {
	out := map[string]any{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return fmt.Errorf("not a JSON object: %w", err)
	}
	*v = out
	return nil
}

func (v *jsonVars) Type() string { return "json" }
