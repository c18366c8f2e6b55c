package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"l1gw/services/bundler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "l1ctl",
		Short:         "Utility for managing L1 troubleshooting support bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newBundleCommand())
	return cmd
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Support bundle build and verify operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleBuildCommand())
	cmd.AddCommand(newBundleVerifyCommand())
	return cmd
}

func newBundleBuildCommand() *cobra.Command {
	var (
		evidenceDir string
		gateway     string
		output      string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Create a signed support bundle from an evidence directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Build(ctx, bundler.BuildConfig{
				EvidenceDir: evidenceDir,
				Gateway:     gateway,
				Output:      output,
				Signer:      signer,
				Stdout:      os.Stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&evidenceDir, "evidence-dir", "", "Directory containing capture and log files to include")
	cmd.Flags().StringVar(&gateway, "gateway", "", "Optional gateway base URL to export artifact records from")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("evidence-dir")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newBundleVerifyCommand() *cobra.Command {
	var bundleFile string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a support bundle's signature and evidence digests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			signer, err := bundler.NewSignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Verify(ctx, bundler.VerifyConfig{
				BundlePath: bundleFile,
				Stdout:     os.Stdout,
				Signer:     signer,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
