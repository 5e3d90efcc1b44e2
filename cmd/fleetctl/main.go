package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mateo/fleet/internal/api"
	"github.com/mateo/fleet/internal/config"
)

var (
	cfg        config.Config
	configPath string
	apiURL     string
	jsonOutput bool
)

func main() {
	root := &cobra.Command{
		Use:          "fleetctl",
		Short:        "Control the fleet environment orchestrator",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			return err
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.fleet/config.yaml)")
	root.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default http://127.0.0.1:<api.port>)")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	root.AddCommand(
		agentsCmd(),
		capacityCmd(),
		workflowsCmd(),
		tunnelsCmd(),
		envCmd(),
		containerCmd(),
		peerCmd(),
		sshKeyCmd(),
		p2pSecretCmd(),
		domainCmd(),
		monitorCmd(),
		setupCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newClient() *api.Client {
	if apiURL != "" {
		return api.NewClientURL(apiURL)
	}
	return api.NewClient(cfg.API.Port)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// --- agents ---

func agentsCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := newClient().Agents(kind)
			if err != nil {
				return fmt.Errorf("failed to list agents: %w", err)
			}
			if jsonOutput {
				return printJSON(agents)
			}
			w := newTable()
			fmt.Fprintf(w, "ID\tHOSTNAME\tKIND\tPARENT\tREGISTERED\n")
			for _, a := range agents {
				k := "host"
				if a.IsContainer {
					k = "container"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Hostname, k, a.ParentHostname,
					time.Since(a.RegisteredAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Filter by kind: host or container")
	return cmd
}

// --- capacity ---

func capacityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capacity",
		Short: "Show container slots per host",
		RunE: func(cmd *cobra.Command, args []string) error {
			loads, err := newClient().Capacity()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(loads)
			}
			w := newTable()
			fmt.Fprintf(w, "HOST\tID\tACTIVE\tRESERVED\n")
			for _, l := range loads {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", l.Hostname, l.HostID, l.Active, l.Reserved)
			}
			return w.Flush()
		},
	}
}

// --- workflows ---

func workflowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows [workflow-id]",
		Short: "List running workflows or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if len(args) == 1 {
				info, err := client.Workflow(args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(info)
				}
				printWorkflow(*info)
				return nil
			}
			infos, err := client.Workflows()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(infos)
			}
			w := newTable()
			fmt.Fprintf(w, "ID\tENVIRONMENT\tKIND\tSTATE\tELAPSED\n")
			for _, i := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					i.ID, i.EnvironmentID, i.Kind, i.State,
					time.Since(i.StartedAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
	return cmd
}

// --- tunnels ---

func tunnelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tunnels",
		Short: "List open SSH tunnels",
		RunE: func(cmd *cobra.Command, args []string) error {
			tunnels, err := newClient().Tunnels()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(tunnels)
			}
			w := newTable()
			fmt.Fprintf(w, "CONTAINER\tENVIRONMENT\tENDPOINT\tEXPIRES\n")
			for _, t := range tunnels {
				fmt.Fprintf(w, "%s\t%s\t%s:%d\t%s\n",
					t.ContainerID, t.EnvironmentID, t.Host, t.Port,
					time.Until(t.ExpiresAt).Round(time.Second))
			}
			return w.Flush()
		},
	}
}

// --- setup ---

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Create the fleet directories and a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Setting up fleet...")
			if err := config.EnsureDirs(cfg); err != nil {
				return err
			}
			fmt.Printf("  Created %s\n", cfg.StateDir())

			path := configPath
			if path == "" {
				path = config.ConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("  Config exists at %s\n", path)
			} else {
				if err := config.Save(path, cfg); err != nil {
					return err
				}
				fmt.Printf("  Wrote %s\n", path)
			}
			fmt.Println("\nSetup complete. Start the control plane with: fleetd")
			return nil
		},
	}
}
