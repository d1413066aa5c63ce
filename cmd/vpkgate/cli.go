package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"vpkgate/pkg/db"
	"vpkgate/pkg/policy"
	"vpkgate/pkg/signer"
	"vpkgate/pkg/vpk"
	"vpkgate/services/ingest"
	"vpkgate/services/lifecycle"
	"vpkgate/services/repack"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if cfg.DBDSN == "" {
				return errors.New("DB_DSN is required")
			}
			pool, err := db.Open(ctx, cfg.DBDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info().Msg("migrations applied")
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one storage sweep and print what changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := commandContext(cmd)
			cfg, logger, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			// an in-memory store would treat every stored file as an orphan
			rt, err := openRuntime(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res := rt.manager.Sweep(ctx)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if len(res.Issues) > 0 {
				return fmt.Errorf("sweep finished with %d issue(s)", len(res.Issues))
			}
			return nil
		},
	}
}

func newValidateCommand() *cobra.Command {
	var (
		rulesFile string
		verifyCRC bool
	)

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a container against a rules file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.Load(rulesFile)
			if err != nil {
				return err
			}
			report, _, err := policy.ValidateArchive(args[0], rules, vpk.WithVerifyCRC(verifyCRC))
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK {
				return errors.New("container rejected")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", envOr("RULES_FILE", "rules.yml"), "Rules file (YAML)")
	cmd.Flags().BoolVar(&verifyCRC, "verify-crc", false, "Verify entry checksums while reading")
	return cmd
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list <file>",
		Short: "List the entries of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := vpk.Open(args[0])
			if err != nil {
				return err
			}
			defer archive.Close()

			entries, err := archive.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "PATH\tSIZE\tCRC\tARCHIVE\n")
			var total int64
			for _, e := range entries {
				size := int64(e.PreloadSize) + int64(e.Length)
				total += size
				where := "dir"
				if !e.Inline() {
					where = fmt.Sprintf("%03d", e.ArchiveIndex)
				}
				fmt.Fprintf(tw, "%s\t%s\t%08x\t%s\n", e.Path, humanize.IBytes(uint64(size)), e.CRC, where)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "v%d, %d entries, %s\n",
				archive.Version(), len(entries), humanize.IBytes(uint64(total)))
			return err
		},
	}
}

func newRepackCommand() *cobra.Command {
	var (
		output string
		keep   []string
	)

	cmd := &cobra.Command{
		Use:   "repack <file>",
		Short: "Rebuild a container keeping only server-side entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source := args[0]
			base, err := lifecycle.BaseName(source)
			if err != nil {
				return err
			}
			if output == "" {
				output = filepath.Join(filepath.Dir(source), base+"_server.vpk")
			}
			report, err := repack.Repack(commandContext(cmd), repack.Config{
				Source: source,
				Dest:   output,
				Base:   base,
				Keep:   keep,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().StringVar(&output, "output", "", "Destination container (default <name>_server.vpk next to the source)")
	cmd.Flags().StringSliceVar(&keep, "keep", nil, "Override the server whitelist globs")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var publicKey string

	cmd := &cobra.Command{
		Use:   "verify <artifact.json>",
		Short: "Verify the report signature of an artifact document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var doc struct {
				lifecycle.Artifact
				// GET /v1/uploads responses nest the artifact.
				Nested *lifecycle.Artifact `json:"artifact"`
			}
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("decode %s: %w", args[0], err)
			}
			art := doc.Artifact
			if doc.Nested != nil {
				art = *doc.Nested
			}
			if art.Signature == "" {
				return errors.New("artifact is not signed")
			}

			s := &signer.Signer{}
			if strings.TrimSpace(publicKey) != "" {
				if s, err = signer.New("", publicKey); err != nil {
					return err
				}
			}
			payload, err := ingest.SigningBytes(art)
			if err != nil {
				return err
			}
			if err := s.Verify(payload, art.Signature, art.SignerKey); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "signature ok (%s)\n", art.StoredName); err != nil {
				return err
			}
			if art.SignerRecipient != "" {
				_, err = fmt.Fprintf(out, "recipient: %s\n", art.SignerRecipient)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&publicKey, "public-key", os.Getenv("AGE_PUBLIC_KEY"), "Trusted Ed25519 public key (base64); defaults to the embedded key")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
