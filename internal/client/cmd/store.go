package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStoreCmd(g *globals) *cobra.Command {
	var out string

	c := &cobra.Command{
		Use:   "store path/to/file",
		Short: "add a file to the local store",
		Long: `copies a file into the local store and prints its descriptor.
The descriptor is what a peer needs to fetch the file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			d, err := st.Put(cmd.Context(), f, filepath.Base(args[0]))
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return err
			}
			if out != "" {
				if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
					return err
				}
				log.WithField("path", out).Info("Wrote descriptor")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	c.Flags().StringVarP(&out, "out", "o", "", "also write the descriptor to this file")
	return c
}

func newListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list stored files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			files, err := st.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tSIZE\tTYPE\tNAME")
			for _, d := range files {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Hash, humanize.Bytes(uint64(d.Size)), d.MimeType, d.Name)
			}
			return w.Flush()
		},
	}
}

func newHaveCmd(g *globals) *cobra.Command {
	var descriptor string

	c := &cobra.Command{
		Use:   "have",
		Short: "check for a verified local copy of a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			d, err := readDescriptor(descriptor)
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ok, err := st.Verify(cmd.Context(), d)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), ok)
			return err
		},
	}
	c.Flags().StringVarP(&descriptor, "descriptor", "d", "", "descriptor file written by store")
	_ = c.MarkFlagRequired("descriptor")
	return c
}
