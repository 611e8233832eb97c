package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/docker"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/platform"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/store"
)

var (
	forceCleanup bool
	cleanupAll   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover task containers",
	Long: `Remove task containers created by dlt in every configured region. This is
useful after a crash or an interrupted run. Containers of tests that still
hold an active run are kept unless --all is given.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Also remove containers of active runs")
}

// managedContainer associates a container with the manager that owns it.
type managedContainer struct {
	region string
	info   docker.ContainerInfo
	mgr    docker.ContainerManager
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	return performCleanup(ctx, st, forceCleanup)
}

// performCleanup lists and removes task containers across all configured
// regions.
func performCleanup(ctx context.Context, st *stack, force bool) error {
	var containers []managedContainer

	active := make(map[string]bool)

	for name, mgr := range st.managers {
		cl, err := mgr.ListContainers(ctx, map[string]string{platform.LabelRegion: name})
		if err != nil {
			log.WithError(err).WithField("region", name).Warn("Failed to list containers")

			continue
		}

		for _, c := range cl {
			testID := c.Labels[platform.LabelTestID]

			if !cleanupAll && isActive(ctx, st.store, active, testID, c.Labels[platform.LabelTestRunID]) {
				log.WithField("container", c.Name).Debug("Keeping container of active run")

				continue
			}

			containers = append(containers, managedContainer{region: name, info: c, mgr: mgr})
		}
	}

	if len(containers) == 0 {
		log.Info("No task containers found")

		return nil
	}

	fmt.Printf("\nContainers to be removed (%d):\n", len(containers))

	for _, c := range containers {
		fmt.Printf("  - %s (%s, %s)\n", c.info.Name, c.region, c.info.State)
	}

	fmt.Println()

	// Prompt for confirmation if not forced.
	if !force {
		fmt.Print("Are you sure you want to remove these containers? [y/N] ")

		reader := bufio.NewReader(os.Stdin)

		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	for _, c := range containers {
		log.WithField("container", c.info.Name).Info("Removing container")

		if err := c.mgr.RemoveContainer(ctx, c.info.ID); err != nil {
			log.WithError(err).WithField("container", c.info.Name).Warn("Failed to remove container")
		}
	}

	log.Info("Cleanup completed")

	return nil
}

// isActive reports whether the container's run still holds the run lock.
// Results are cached per run.
func isActive(ctx context.Context, st store.Store, cache map[string]bool, testID, testRunID string) bool {
	if testID == "" {
		return false
	}

	key := testID + "/" + testRunID
	if v, ok := cache[key]; ok {
		return v
	}

	rec, err := st.GetRun(ctx, testID)
	active := err == nil && rec.TestRunID == testRunID && rec.Status.Active()
	cache[key] = active

	return active
}
