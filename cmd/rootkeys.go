package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"deviceupdate.software/agent/config"
	"deviceupdate.software/agent/rootkeys"
)

func newRootKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rootkeys",
		Short: "Inspect the trust anchor set",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the hardcoded root keys and the active overlay package",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flag("config").Value.String())
			if err != nil {
				return err
			}
			store, err := rootkeys.NewStore(cfg.RootKeyStorePath, storeOptions(cfg)...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "hardcoded root keys:")
			for _, key := range rootkeys.HardcodedRootKeys() {
				disabled := ""
				if store.IsDisabled(key.KID) {
					disabled = " (disabled by overlay)"
				}
				fmt.Fprintf(out, "  %s%s\n", key.KID, disabled)
			}

			overlay := store.Overlay()
			if overlay == nil {
				fmt.Fprintln(out, "no overlay package loaded")
				return nil
			}
			fmt.Fprintf(out, "overlay package: version %d, published %s\n",
				overlay.Protected.Version,
				time.Unix(overlay.Protected.Published, 0).UTC().Format(time.RFC3339))
			for _, key := range overlay.Protected.RootKeys {
				fmt.Fprintf(out, "  %s\n", key.KID)
			}
			for _, kid := range overlay.Protected.DisabledRootKeys {
				fmt.Fprintf(out, "  disabled: %s\n", kid)
			}
			return nil
		},
	})
	return cmd
}
