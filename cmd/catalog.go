package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/scout/internal/catalog"
	"github.com/CodeMonkeyCybersecurity/scout/internal/database"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the application catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import applications, endpoints, rules and recipients from YAML",
	Long: `Import a catalog file. The file is validated as a whole before
anything is written; importing the same file twice changes nothing.

Example:
  scout catalog import catalog.yaml
  scout catalog import catalog.yaml --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		defer f.Close()

		parsed, err := catalog.Parse(f)
		if err != nil {
			return err
		}
		if dryRun {
			color.Green("✓ %s is valid (%d applications, %d recipients)", args[0], len(parsed.Applications), len(parsed.Recipients))
			return nil
		}

		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		sum, err := catalog.NewImporter(store, log).Apply(cmd.Context(), parsed)
		if err != nil {
			return err
		}
		color.Green("✓ Imported %s", sum)
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogued applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()

		apps, err := store.ListApplications(cmd.Context())
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			color.Yellow("Catalog is empty. Run 'scout catalog import <file>' first.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tBASE URL\tENDPOINTS")
		for _, a := range apps {
			eps, err := store.ListEndpoints(cmd.Context(), a.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", a.ID, a.Name, a.BaseURL, len(eps))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogListCmd)

	catalogImportCmd.Flags().Bool("dry-run", false, "validate the file without writing")
}
