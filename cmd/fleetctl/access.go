package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mateo/fleet/internal/alert"
	"github.com/mateo/fleet/internal/api"
	"github.com/mateo/fleet/internal/environment"
)

// --- ssh-key ---

func sshKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh-key",
		Short: "Manage the SSH keys of an environment",
	}

	listCmd := &cobra.Command{
		Use:   "list <env-id>",
		Short: "List recorded SSH keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient().SSHKeys(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(keys)
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}

	var recordOnly, addAsync bool
	addCmd := &cobra.Command{
		Use:   "add <env-id> <public-key>",
		Short: "Install an SSH key in every container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().AddSSHKey(args[0], api.SSHKeyRequest{
				Key:        args[1],
				RecordOnly: recordOnly,
				Async:      addAsync,
			})
			if err == nil && recordOnly {
				fmt.Println("Key recorded")
			}
			return reportWorkflow(resp, err)
		},
	}
	addCmd.Flags().BoolVar(&recordOnly, "record-only", false, "Record the key without pushing it to containers")
	addCmd.Flags().BoolVar(&addAsync, "async", false, "Return once the workflow has started")

	var removeAsync bool
	removeCmd := &cobra.Command{
		Use:   "remove <env-id> <public-key>",
		Short: "Remove an SSH key from every container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().RemoveSSHKey(args[0], api.SSHKeyRequest{Key: args[1], Async: removeAsync})
			return reportWorkflow(resp, err)
		},
	}
	removeCmd.Flags().BoolVar(&removeAsync, "async", false, "Return once the workflow has started")

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

// --- p2p-secret ---

func p2pSecretCmd() *cobra.Command {
	var (
		ttl   time.Duration
		async bool
	)
	cmd := &cobra.Command{
		Use:   "p2p-secret <env-id> <secret>",
		Short: "Reset the P2P secret of every container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().ResetP2PSecret(args[0], api.P2PSecretRequest{
				Secret:     args[1],
				TTLSeconds: int64(ttl / time.Second),
				Async:      async,
			})
			return reportWorkflow(resp, err)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Secret lifetime")
	cmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	return cmd
}

// --- domain ---

func domainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage the domain of an environment",
	}

	showCmd := &cobra.Command{
		Use:   "show <env-id>",
		Short: "Show the assigned domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClient().Domain(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(d)
			}
			fmt.Printf("%s (%s)\n", d.Name, d.Strategy)
			if d.CertPath != "" {
				fmt.Printf("  Certificate: %s\n", d.CertPath)
			}
			return nil
		},
	}

	var (
		strategy, certPath string
		assignAsync        bool
	)
	assignCmd := &cobra.Command{
		Use:   "assign <env-id> <domain>",
		Short: "Route a domain to the environment's containers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := environment.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			resp, err := newClient().AssignDomain(args[0], api.DomainRequest{
				Domain:   args[1],
				Strategy: st,
				CertPath: certPath,
				Async:    assignAsync,
			})
			return reportWorkflow(resp, err)
		},
	}
	assignCmd.Flags().StringVar(&strategy, "strategy", "load_balance", "Proxy strategy: none, load_balance or sticky_session")
	assignCmd.Flags().StringVar(&certPath, "cert", "", "Certificate bundle path")
	assignCmd.Flags().BoolVar(&assignAsync, "async", false, "Return once the workflow has started")

	var removeAsync bool
	removeCmd := &cobra.Command{
		Use:   "remove <env-id>",
		Short: "Remove the environment's domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().RemoveDomain(args[0], removeAsync)
			return reportWorkflow(resp, err)
		},
	}
	removeCmd.Flags().BoolVar(&removeAsync, "async", false, "Return once the workflow has started")

	cmd.AddCommand(showCmd, assignCmd, removeCmd)
	return cmd
}

// --- monitor ---

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage alert monitoring of an environment",
	}

	var priority string
	request := func(handlerID string) (api.MonitoringRequest, error) {
		p, err := alert.ParsePriority(priority)
		if err != nil {
			return api.MonitoringRequest{}, err
		}
		return api.MonitoringRequest{HandlerID: handlerID, Priority: p}, nil
	}

	listCmd := &cobra.Command{
		Use:   "list <env-id>",
		Short: "List the alert handlers monitoring an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient().Monitoring(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(keys)
			}
			w := newTable()
			fmt.Fprintf(w, "HANDLER\tPRIORITY\n")
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%s\n", k.HandlerID, k.Priority)
			}
			return w.Flush()
		},
	}

	startCmd := &cobra.Command{
		Use:   "start <env-id> <handler-id>",
		Short: "Deliver an environment's alerts to a handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := request(args[1])
			if err != nil {
				return err
			}
			if err := newClient().StartMonitoring(args[0], req); err != nil {
				return err
			}
			fmt.Printf("Monitoring %s with %s (%s)\n", args[0], req.HandlerID, req.Priority)
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop <env-id> <handler-id>",
		Short: "Stop delivering an environment's alerts to a handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := request(args[1])
			if err != nil {
				return err
			}
			return newClient().StopMonitoring(args[0], req)
		},
	}

	cmd.PersistentFlags().StringVar(&priority, "priority", "normal", "Handler priority: high, normal or low")
	cmd.AddCommand(listCmd, startCmd, stopCmd)
	return cmd
}
