package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/docluster/internal/core"
	prov "github.com/3cpo-dev/docluster/internal/providers"
	"github.com/3cpo-dev/docluster/internal/ssh"
	"github.com/3cpo-dev/docluster/pkg/api"
)

// Check doctl authentication
func newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Check that doctl is authenticated",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			acct, ok := s.mgr.IsAuthenticated(cmd.Context())
			if !ok {
				return errors.New("not authenticated: run doctl auth init or set " + core.TokenEnv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tdroplet limit %d\n", acct.Email, acct.Status, acct.DropletLimit)
			return nil
		},
	}
}

// Show image options
func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List distribution images",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			images, err := s.mgr.ListImages(cmd.Context())
			if err != nil {
				return err
			}
			for _, img := range images {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", img.Slug, img.Distribution, img.Name)
			}
			return nil
		},
	}
}

// List or generate SSH keys
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "List SSH keys registered with the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			keys, err := s.mgr.ListSSHKeys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", k.ID, k.Name, k.Fingerprint)
			}
			return nil
		},
	}
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate an ed25519 keypair to register with doctl compute ssh-key import",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("path")
			pub, err := ssh.GenerateEd25519Keypair(ssh.ExpandHome(path))
			if err != nil {
				return err
			}
			fp, err := ssh.FingerprintMD5(pub)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nfingerprint %s\n", strings.TrimSpace(pub), fp)
			return nil
		},
	}
	gen.Flags().String("path", "~/.ssh/docluster_ed25519", "private key path")
	cmd.AddCommand(gen)
	return cmd
}

// List droplets
func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List droplets, optionally filtered by name and tags",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			name, tags := selectorFlags(cmd)
			droplets, err := s.mgr.FindDroplets(cmd.Context(), name, tags)
			if err != nil {
				return err
			}
			for _, d := range droplets {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\t%s\t%s\n",
					d.Name, d.ID, d.Snapshot.PublicIPv4(), d.Snapshot.Status, strings.Join(d.Tags, ","))
			}
			return nil
		},
	}
	addSelectorFlags(cmd)
	return cmd
}

// Create a cluster
func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [name...]",
		Short: "Create droplets and wait until they accept commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			specPath, _ := cmd.Flags().GetString("file")
			var spec *api.ClusterSpec
			var err error
			if specPath != "" {
				if spec, err = api.LoadClusterSpec(specPath); err != nil {
					return err
				}
			} else {
				spec = clusterSpecFromFlags(cmd, args)
				if err := spec.Validate(); err != nil {
					return err
				}
			}

			reqs, err := createRequests(spec)
			if err != nil {
				return err
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			c, err := s.orch.CreateDroplets(cmd.Context(), reqs)
			if err != nil {
				return err
			}
			for _, d := range c.Droplets {
				ip, err := d.PublicIP(cmd.Context())
				if err != nil {
					ip = "-"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created\t%s\t%d\t%s\n", d.Name, d.ID, ip)
			}
			for name, ferr := range c.Failed {
				fmt.Fprintf(cmd.OutOrStdout(), "failed\t%s\t%v\n", name, ferr)
			}
			if len(c.Failed) > 0 {
				return fmt.Errorf("%d of %d droplets failed", len(c.Failed), len(c.Failed)+c.Len())
			}
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "cluster spec YAML")
	cmd.Flags().Int("count", 0, "create <prefix>-1..<prefix>-N using --prefix")
	cmd.Flags().String("prefix", "", "name prefix used with --count")
	cmd.Flags().StringSlice("tag", nil, "tag for every droplet (repeatable)")
	cmd.Flags().String("size", "", "size slug")
	cmd.Flags().String("image", "", "image slug")
	cmd.Flags().String("region", "", "region slug")
	cmd.Flags().StringSlice("package", nil, "apt package installed by cloud-init (repeatable)")
	cmd.Flags().StringSlice("install", nil, "command run once the droplet is ready (repeatable)")
	return cmd
}

func clusterSpecFromFlags(cmd *cobra.Command, names []string) *api.ClusterSpec {
	spec := &api.ClusterSpec{}
	spec.Count, _ = cmd.Flags().GetInt("count")
	spec.Name, _ = cmd.Flags().GetString("prefix")
	spec.Tags, _ = cmd.Flags().GetStringSlice("tag")
	spec.Size, _ = cmd.Flags().GetString("size")
	spec.Image, _ = cmd.Flags().GetString("image")
	spec.Region, _ = cmd.Flags().GetString("region")
	spec.Packages, _ = cmd.Flags().GetStringSlice("package")
	spec.Install, _ = cmd.Flags().GetStringSlice("install")
	for _, n := range names {
		spec.Droplets = append(spec.Droplets, api.DropletSpec{Name: n})
	}
	return spec
}

// createRequests turns a cluster spec into creation requests whose install
// step uploads the spec's files and then runs its install commands.
func createRequests(spec *api.ClusterSpec) ([]core.CreateRequest, error) {
	userData, err := prov.CloudInitUserData(spec.Packages, spec.RunCmd)
	if err != nil {
		return nil, err
	}
	var install func(ctx context.Context, d *core.Droplet) error
	if len(spec.Files) > 0 || len(spec.Install) > 0 {
		install = func(ctx context.Context, d *core.Droplet) error {
			for _, f := range spec.Files {
				tr, err := d.CopyTo(ctx, f.Local, f.Remote, f.Chmod)
				if err != nil {
					return err
				}
				if tr.Err != nil {
					return tr.Err
				}
			}
			for _, c := range spec.Install {
				res, err := d.Exec(ctx, c)
				if err != nil {
					return err
				}
				if !res.OK() {
					return fmt.Errorf("%q exited %d: %s", c, res.ExitCode, strings.TrimSpace(res.Stderr))
				}
			}
			return nil
		}
	}

	var reqs []core.CreateRequest
	for _, m := range spec.Members() {
		reqs = append(reqs, core.CreateRequest{
			Name:     m.Name,
			Tags:     m.Tags,
			Size:     m.Size,
			Image:    m.Image,
			Region:   m.Region,
			UserData: userData,
			Install:  install,
		})
	}
	return reqs, nil
}

// Run a command on a cluster
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run -- command...",
		Short: "Run a command on every selected droplet",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			name, tags := selectorFlags(cmd)
			hosts, err := s.selectHosts(cmd.Context(), name, tags)
			if err != nil {
				return err
			}
			command := strings.Join(args, " ")
			results := s.orch.RunCommand(cmd.Context(), hosts, command)
			failed := 0
			out := cmd.OutOrStdout()
			for _, d := range byName(results) {
				r := results[d]
				if !r.OK() {
					failed++
					fmt.Fprintf(out, "[%s] error: %v\n", d.Name, r.Err)
					continue
				}
				if !r.Value.OK() {
					failed++
				}
				fmt.Fprintf(out, "[%s] exit %d (%s)\n", d.Name, r.Value.ExitCode, r.Value.Duration.Round(time.Millisecond))
				for _, line := range strings.Split(strings.TrimRight(r.Value.Stdout, "\n"), "\n") {
					if line != "" {
						fmt.Fprintf(out, "[%s] %s\n", d.Name, line)
					}
				}
				for _, line := range strings.Split(strings.TrimRight(r.Value.Stderr, "\n"), "\n") {
					if line != "" {
						fmt.Fprintf(out, "[%s] stderr: %s\n", d.Name, line)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("command failed on %d of %d droplets", failed, len(results))
			}
			return nil
		},
	}
	addSelectorFlags(cmd)
	return cmd
}

// Run a command on one droplet
func newExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec NAME -- command...",
		Short: "Run a command on a single droplet and relay its output",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			hosts, err := s.selectHosts(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			res, err := hosts[0].Exec(cmd.Context(), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			if !res.OK() {
				return fmt.Errorf("exit status %d", res.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

// Copy files to/from a cluster
func newScpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scp",
		Short: "Copy files or directories to or from every selected droplet over SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			push, _ := cmd.Flags().GetStringSlice("push")
			pull, _ := cmd.Flags().GetStringSlice("pull")
			chmod, _ := cmd.Flags().GetString("chmod")
			if len(push) == 0 && len(pull) == 0 {
				return errors.New("nothing to copy: use --push or --pull")
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			name, tags := selectorFlags(cmd)
			hosts, err := s.selectHosts(cmd.Context(), name, tags)
			if err != nil {
				return err
			}

			failed := 0
			for _, spec := range push {
				local, remote, ok := strings.Cut(spec, ":")
				if !ok {
					return fmt.Errorf("invalid --push spec: %s", spec)
				}
				failed += reportTransfers(cmd, s.orch.CopyTo(cmd.Context(), hosts, local, remote, chmod))
			}
			for _, spec := range pull {
				remote, localDir, ok := strings.Cut(spec, ":")
				if !ok {
					return fmt.Errorf("invalid --pull spec: %s", spec)
				}
				failed += reportTransfers(cmd, s.orch.CopyFrom(cmd.Context(), hosts, remote, localDir))
			}
			if failed > 0 {
				return fmt.Errorf("%d transfers failed", failed)
			}
			return nil
		},
	}
	addSelectorFlags(cmd)
	cmd.Flags().StringSlice("push", nil, "local:remote specs to upload")
	cmd.Flags().StringSlice("pull", nil, "remote:localdir specs to download into localdir/<droplet>/")
	cmd.Flags().String("chmod", "", "mode applied to pushed paths (recursive for directories)")
	return cmd
}

func reportTransfers(cmd *cobra.Command, results map[*core.Droplet]core.Result[core.TransferResult]) int {
	failed := 0
	for _, d := range byName(results) {
		r := results[d]
		switch {
		case !r.OK():
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] error: %v\n", d.Name, r.Err)
		case !r.Value.OK():
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] failed: %v\n", d.Name, r.Value.Err)
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s %s -> %s (%d files, %s)\n", d.Name, r.Value.Direction,
				r.Value.Local, r.Value.Remote, r.Value.Files, humanize.Bytes(uint64(r.Value.Bytes)))
		}
	}
	return failed
}

// Delete droplets
func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete droplets by name or tags and wait until they are gone",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			name, tags := selectorFlags(cmd)
			var results map[*core.Droplet]core.Result[core.DeleteOutcome]
			if name == "" {
				results, err = s.orch.DeleteByTags(cmd.Context(), tags)
			} else {
				var hosts []*core.Droplet
				if hosts, err = s.selectHosts(cmd.Context(), name, tags); err != nil {
					return err
				}
				results, err = s.orch.DeleteHosts(cmd.Context(), hosts)
			}
			for _, d := range byName(results) {
				r := results[d]
				switch {
				case !r.OK():
					fmt.Fprintf(cmd.OutOrStdout(), "error\t%s\t%v\n", d.Name, r.Err)
				case !r.Value.Accepted:
					fmt.Fprintf(cmd.OutOrStdout(), "refused\t%s\t%v\n", d.Name, r.Value.ProviderErr)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "deleted\t%s\t%d\n", d.Name, d.ID)
				}
			}
			return err
		},
	}
	addSelectorFlags(cmd)
	return cmd
}

// Show the operation journal
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [batch-id]",
		Short: "Show recent batches from the operation journal",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			if s.journal == nil {
				return errors.New("journal disabled: set journal.path in the config")
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				outcomes, err := s.journal.Outcomes(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for _, o := range outcomes {
					status := "ok"
					if !o.OK {
						status = "FAILED"
					}
					fmt.Fprintf(out, "%s\t%d\t%s\t%s\n", o.Host, o.DropletID, status, o.Detail)
				}
				return nil
			}
			limit, _ := cmd.Flags().GetInt("limit")
			batches, err := s.journal.RecentBatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d ok\t%d failed\t%s\n",
					b.ID, humanize.Time(b.StartedAt), b.Op, b.Succeeded, b.Failed, b.Args)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of batches to show")
	return cmd
}
