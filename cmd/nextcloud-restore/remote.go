package main

import (
	"context"
	"fmt"

	"github.com/fgeck/nextcloud-restore/internal/models"
	"github.com/fgeck/nextcloud-restore/internal/services/remote"
	"github.com/spf13/cobra"
)

var remoteOpts struct {
	port          int
	startup       bool
	removeStartup bool
	off           bool
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Remote access through Tailscale",
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the agent, the container port and both endpoints",
	RunE:  runRemoteStatus,
}

var remoteSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Add the Tailscale IP and hostname to trusted_domains",
	RunE:  runRemoteSync,
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Publish the Nextcloud port over HTTPS on the tailnet",
	RunE:  runRemoteServe,
}

var remoteURLsCmd = &cobra.Command{
	Use:   "urls",
	Short: "Print the remote URLs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		info, err := application.remote.Agent(ctx)
		if err != nil {
			return err
		}
		for _, u := range remote.URLs(info) {
			fmt.Println(u)
		}
		return nil
	},
}

func init() {
	remoteServeCmd.Flags().IntVarP(&remoteOpts.port, "port", "p", 0, "host port of Nextcloud (default: detected from the container)")
	remoteServeCmd.Flags().BoolVar(&remoteOpts.startup, "startup", false, "republish at every logon")
	remoteServeCmd.Flags().BoolVar(&remoteOpts.removeStartup, "remove-startup", false, "remove the logon task")
	remoteServeCmd.Flags().BoolVar(&remoteOpts.off, "off", false, "stop serving the HTTPS endpoint")
	remoteServeCmd.MarkFlagsMutuallyExclusive("startup", "remove-startup", "off")

	remoteCmd.AddCommand(remoteStatusCmd, remoteSyncCmd, remoteServeCmd, remoteURLsCmd)
}

func runRemoteStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	name, err := resolveContainer(ctx)
	if err != nil {
		return err
	}
	report := application.remote.Health(ctx, name)

	printProbe("Tailscale running", report.AgentRunning)
	printProbe("Nextcloud port published", report.NextcloudPortDetected)
	printProbe("IP reachable", report.IPReachable)
	printProbe("Hostname reachable", report.HostnameReachable)

	if info, err := application.remote.Agent(ctx); err == nil {
		if urls := remote.URLs(info); len(urls) > 0 {
			fmt.Println()
			fmt.Println("URLs:")
			for _, u := range urls {
				fmt.Printf("  %s\n", u)
			}
		}
	}
	return nil
}

func printProbe(label string, f models.ProbeFlag) {
	mark := "ok"
	if !f.OK {
		mark = "FAIL"
	}
	fmt.Printf("  %-26s %s\n", label+":", mark)
	if !f.OK && f.Hint != "" {
		fmt.Printf("  %-26s %s\n", "", f.Hint)
	}
}

func runRemoteSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	name, err := resolveContainer(ctx)
	if err != nil {
		return err
	}
	result, err := application.remote.SyncTrustedDomains(ctx, name)
	if err != nil {
		return err
	}

	fmt.Println("Trusted domains:")
	for _, d := range result.After {
		fmt.Printf("  %s\n", d)
	}
	if len(result.Added) == 0 {
		fmt.Println("Already up to date.")
		return nil
	}
	fmt.Printf("Added %v", result.Added)
	if result.Restarted {
		fmt.Printf(", restarted %s", name)
	}
	fmt.Println()
	return nil
}

func runRemoteServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	switch {
	case remoteOpts.off:
		return application.remote.Unpublish(ctx)
	case remoteOpts.removeStartup:
		return application.schedule.RemoveServeStartup(ctx)
	}

	port, err := servePort(ctx)
	if err != nil {
		return err
	}
	if err := application.remote.Publish(ctx, port); err != nil {
		return err
	}
	if remoteOpts.startup {
		if err := application.schedule.InstallServeStartup(ctx, port); err != nil {
			return err
		}
	}

	if info, err := application.remote.Agent(ctx); err == nil {
		for _, u := range remote.URLs(info) {
			fmt.Println(u)
		}
	}
	return nil
}

func servePort(ctx context.Context) (int, error) {
	if remoteOpts.port > 0 {
		return remoteOpts.port, nil
	}
	name, err := resolveContainer(ctx)
	if err != nil {
		return 0, err
	}
	info, err := application.docker.Inspect(ctx, name)
	if err != nil {
		return 0, err
	}
	port := info.HostPortFor(80)
	if port == 0 {
		return 0, fmt.Errorf("%s does not publish port 80, pass --port", name)
	}
	return port, nil
}
