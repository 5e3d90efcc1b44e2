package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mateo/fleet/internal/api"
	"github.com/mateo/fleet/internal/environment"
	"github.com/mateo/fleet/internal/workflow"
)

// topologyFile is the on-disk form of a topology. JSON files parse too.
type topologyFile struct {
	Name    string     `yaml:"name"`
	SSHKeys []string   `yaml:"sshKeys"`
	Nodes   []nodeFile `yaml:"nodes"`
}

type nodeFile struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Size     string `yaml:"size"`
	Host     string `yaml:"host"`
}

type topologyFlags struct {
	file    string
	name    string
	nodes   []string
	sshKeys []string
}

func (f *topologyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Topology file (YAML or JSON)")
	cmd.Flags().StringVar(&f.name, "name", "", "Environment name")
	cmd.Flags().StringArrayVar(&f.nodes, "node", nil, "Node as name:template[:size[:host]] (repeatable)")
	cmd.Flags().StringArrayVar(&f.sshKeys, "ssh-key", nil, "SSH public key to install (repeatable)")
}

func (f *topologyFlags) topology() (environment.Topology, error) {
	var topo environment.Topology
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return topo, fmt.Errorf("reading topology: %w", err)
		}
		var tf topologyFile
		if err := yaml.Unmarshal(data, &tf); err != nil {
			return topo, fmt.Errorf("parsing topology %s: %w", f.file, err)
		}
		topo.Name = tf.Name
		topo.SSHKeys = tf.SSHKeys
		for _, n := range tf.Nodes {
			topo.Nodes = append(topo.Nodes, environment.Node{
				Name:     n.Name,
				Template: n.Template,
				Size:     environment.ContainerSize(strings.ToUpper(n.Size)),
				Host:     n.Host,
			})
		}
	}
	if f.name != "" {
		topo.Name = f.name
	}
	topo.SSHKeys = append(topo.SSHKeys, f.sshKeys...)
	for _, spec := range f.nodes {
		n, err := parseNode(spec)
		if err != nil {
			return topo, err
		}
		topo.Nodes = append(topo.Nodes, n)
	}
	return topo, topo.Validate()
}

func parseNode(s string) (environment.Node, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return environment.Node{}, fmt.Errorf("invalid node %q: want name:template[:size[:host]]", s)
	}
	n := environment.Node{Name: parts[0], Template: parts[1]}
	if len(parts) > 2 && parts[2] != "" {
		size, err := environment.ParseSize(parts[2])
		if err != nil {
			return n, fmt.Errorf("invalid node %q: %w", s, err)
		}
		n.Size = size
	}
	if len(parts) > 3 {
		n.Host = parts[3]
	}
	return n, nil
}

// --- env ---

func envCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment"},
		Short:   "Manage environments",
	}
	cmd.AddCommand(
		envListCmd(),
		envShowCmd(),
		envCreateCmd(),
		envGrowCmd(),
		envModifyCmd(),
		envDestroyCmd(),
		envCancelCmd(),
	)
	return cmd
}

func envListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List environments",
		RunE: func(cmd *cobra.Command, args []string) error {
			envs, err := newClient().Environments()
			if err != nil {
				return fmt.Errorf("failed to list environments: %w", err)
			}
			if jsonOutput {
				return printJSON(envs)
			}
			w := newTable()
			fmt.Fprintf(w, "ID\tNAME\tSTATUS\tCONTAINERS\tDOMAIN\n")
			for _, e := range envs {
				domain := "-"
				if e.Domain != nil {
					domain = e.Domain.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.ID, e.Name, e.Status, len(e.Containers), domain)
			}
			return w.Flush()
		},
	}
}

func envShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <env-id>",
		Short: "Show an environment and its containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClient().Environment(args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(env)
			}
			printEnvironment(env)
			return nil
		},
	}
}

func envCreateCmd() *cobra.Command {
	var (
		topo  topologyFlags
		async bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an environment from a topology",
		Example: `  fleetctl env create --name shop --node web:ubuntu:small --node db:postgres:large
  fleetctl env create -f topology.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := topo.topology()
			if err != nil {
				return err
			}
			resp, err := newClient().CreateEnvironment(api.CreateEnvironmentRequest{Topology: t, Async: async})
			return reportWorkflow(resp, err)
		},
	}
	topo.register(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	return cmd
}

func envGrowCmd() *cobra.Command {
	var (
		topo  topologyFlags
		async bool
	)
	cmd := &cobra.Command{
		Use:   "grow <env-id>",
		Short: "Add containers to an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := topo.topology()
			if err != nil {
				return err
			}
			resp, err := newClient().GrowEnvironment(args[0], api.GrowEnvironmentRequest{Topology: t, Async: async})
			return reportWorkflow(resp, err)
		},
	}
	topo.register(cmd)
	cmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	return cmd
}

func envModifyCmd() *cobra.Command {
	var (
		topo    topologyFlags
		remove  []string
		resizes []string
		async   bool
	)
	cmd := &cobra.Command{
		Use:   "modify <env-id>",
		Short: "Add, resize and remove containers in one workflow",
		Args:  cobra.ExactArgs(1),
		Example: `  fleetctl env modify abc --node cache:redis --remove <container-id>
  fleetctl env modify abc --resize <container-id>=large`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.ModifyEnvironmentRequest{Remove: remove, Async: async}
			if topo.file != "" || len(topo.nodes) > 0 {
				t, err := topo.topology()
				if err != nil {
					return err
				}
				req.Topology = t
			}
			if len(resizes) > 0 {
				req.Resize = make(map[string]environment.ContainerSize, len(resizes))
				for _, r := range resizes {
					id, size, ok := strings.Cut(r, "=")
					if !ok {
						return fmt.Errorf("invalid --resize %q: want <container-id>=<size>", r)
					}
					s, err := environment.ParseSize(size)
					if err != nil {
						return err
					}
					req.Resize[id] = s
				}
			}
			resp, err := newClient().ModifyEnvironment(args[0], req)
			return reportWorkflow(resp, err)
		},
	}
	topo.register(cmd)
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "Container ID to remove (repeatable)")
	cmd.Flags().StringArrayVar(&resizes, "resize", nil, "Resize as <container-id>=<size> (repeatable)")
	cmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	return cmd
}

func envDestroyCmd() *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "destroy <env-id>",
		Short: "Destroy an environment and all its containers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().DestroyEnvironment(args[0], async)
			return reportWorkflow(resp, err)
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	return cmd
}

func envCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <env-id>",
		Short: "Cancel the workflow running on an environment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().CancelWorkflow(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancellation requested for %s\n", args[0])
			return nil
		},
	}
}

// --- container ---

func containerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Manage single containers of an environment",
	}

	var destroyAsync bool
	destroyCmd := &cobra.Command{
		Use:   "destroy <env-id> <container-id>",
		Short: "Destroy one container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().DestroyContainer(args[0], args[1], destroyAsync)
			return reportWorkflow(resp, err)
		},
	}
	destroyCmd.Flags().BoolVar(&destroyAsync, "async", false, "Return once the workflow has started")

	var hostnameAsync bool
	hostnameCmd := &cobra.Command{
		Use:   "hostname <env-id> <container-id> <hostname>",
		Short: "Change a container's hostname",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().ChangeContainerHostname(args[0], args[1], api.HostnameRequest{
				Hostname: args[2],
				Async:    hostnameAsync,
			})
			return reportWorkflow(resp, err)
		},
	}
	hostnameCmd.Flags().BoolVar(&hostnameAsync, "async", false, "Return once the workflow has started")

	tunnelCmd := &cobra.Command{
		Use:   "tunnel <env-id> <container-id>",
		Short: "Open an SSH tunnel to a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().SetupTunnel(args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Printf("Tunnel open: ssh -p %d root@%s\n", t.Port, t.Host)
			fmt.Printf("  Expires: %s\n", t.ExpiresAt.Format("15:04:05"))
			return nil
		},
	}

	cmd.AddCommand(destroyCmd, hostnameCmd, tunnelCmd, containerDomainCmd())
	return cmd
}

func containerDomainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage a container's membership in the environment domain",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <env-id> <container-id>",
			Short: "Show whether a container serves the domain",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				in, err := newClient().IsContainerInDomain(args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(api.DomainMembership{ContainerID: args[1], InDomain: in})
				}
				fmt.Println(in)
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <env-id> <container-id>",
			Short: "Add a container to the domain backends",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := newClient().AddContainerToDomain(args[0], args[1], false)
				return reportWorkflow(resp, err)
			},
		},
		&cobra.Command{
			Use:   "remove <env-id> <container-id>",
			Short: "Remove a container from the domain backends",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := newClient().RemoveContainerFromDomain(args[0], args[1], false)
				return reportWorkflow(resp, err)
			},
		},
	)
	return cmd
}

// --- peer ---

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage the hosts an environment spans",
	}
	var async bool
	excludeCmd := &cobra.Command{
		Use:   "exclude <env-id> <host-uuid>",
		Short: "Destroy every container of an environment on one host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peer, err := uuid.Parse(args[1])
			if err != nil {
				return fmt.Errorf("invalid host uuid: %w", err)
			}
			resp, err := newClient().ExcludePeer(args[0], peer, async)
			return reportWorkflow(resp, err)
		},
	}
	excludeCmd.Flags().BoolVar(&async, "async", false, "Return once the workflow has started")
	cmd.AddCommand(excludeCmd)
	return cmd
}

// --- output ---

// reportWorkflow prints the outcome of a workflow call. A failed workflow
// prints its report before the error is returned.
func reportWorkflow(resp *api.WorkflowResponse, err error) error {
	if err != nil {
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.Workflow != nil && !jsonOutput {
			printWorkflow(*apiErr.Workflow)
		}
		return err
	}
	if resp == nil {
		return nil
	}
	if jsonOutput {
		return printJSON(resp)
	}
	printWorkflow(resp.Workflow)
	if resp.Environment != nil {
		fmt.Println()
		printEnvironment(resp.Environment)
	}
	return nil
}

func printWorkflow(info workflow.Info) {
	fmt.Printf("Workflow %s (%s): %s\n", info.ID, info.Kind, info.State)
	if info.EnvironmentID != "" {
		fmt.Printf("  Environment: %s\n", info.EnvironmentID)
	}
	if info.Error != "" {
		fmt.Printf("  Error:       %s\n", info.Error)
	}
	if len(info.Failures) > 0 {
		fmt.Println("  Failures:")
		w := newTable()
		fmt.Fprintf(w, "    OPERATION\tTARGET\tERROR\n")
		for _, f := range info.Failures {
			fmt.Fprintf(w, "    %s\t%s\t%s\n", f.Operation, f.Target, f.Error)
		}
		w.Flush()
	}
}

func printEnvironment(env *environment.Environment) {
	fmt.Printf("Environment %s (%s): %s\n", env.ID, env.Name, env.Status)
	if env.Domain != nil {
		fmt.Printf("  Domain: %s (%s)\n", env.Domain.Name, env.Domain.Strategy)
	}
	if len(env.SSHKeys) > 0 {
		fmt.Printf("  SSH keys: %d\n", len(env.SSHKeys))
	}
	if len(env.Containers) == 0 {
		return
	}
	w := newTable()
	fmt.Fprintf(w, "  ID\tHOSTNAME\tTEMPLATE\tSIZE\tIP\tDOMAIN\n")
	for _, c := range env.Containers {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\t%t\n", c.ID, c.Hostname, c.Template, c.Size, c.IP, c.InDomain)
	}
	w.Flush()
}
