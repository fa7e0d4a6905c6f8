package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockvault/blockvault/internal/blob"
	"github.com/blockvault/blockvault/internal/engine"
	"github.com/blockvault/blockvault/pkg/bytesize"
)

var (
	putContainer int64
	putPath      string

	getOutput string
	getOffset int64
	getLength int64
	getUser   string
)

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file|->",
		Short: "Store a file as a blob",
		Long: `Store a file (or stdin with "-") as a blob and print its id. Identical
content is stored once. With --path the blob also becomes the newest
revision of that file in the container.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				return runPut(ctx, cmd.OutOrStdout(), e, args[0])
			})
		},
	}
	cmd.Flags().Int64Var(&putContainer, "container", 0, "container id of the logical file")
	cmd.Flags().StringVar(&putPath, "path", "", "record the blob as a revision of this file path")
	return cmd
}

func runPut(ctx context.Context, out io.Writer, e *engine.Engine, name string) error {
	var r io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	if putPath == "" {
		blobID, isNew, err := e.Blobs.Ingest(ctx, r)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "blob %d (%s)\n", blobID, newOrExisting(isNew))
		return nil
	}

	fileID, blobID, isNew, err := e.StoreFile(ctx, blob.FileUpload{
		ContainerID: putContainer,
		Path:        putPath,
		MediaType:   mime.TypeByExtension(filepath.Ext(putPath)),
		Body:        r,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "file %d blob %d (%s)\n", fileID, blobID, newOrExisting(isNew))
	return nil
}

func newOrExisting(isNew bool) string {
	if isNew {
		return "new"
	}
	return "existing"
}

func newGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <blob-id>",
		Short: "Read a blob or a byte range of it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobID, err := parseBlobID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				return runGet(ctx, cmd.OutOrStdout(), e, blobID)
			})
		},
	}
	cmd.Flags().StringVarP(&getOutput, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().Int64Var(&getOffset, "offset", 0, "first byte of the range")
	cmd.Flags().Int64Var(&getLength, "length", 0, "number of bytes to read (default: to the end)")
	cmd.Flags().StringVar(&getUser, "user", "cli", "user id recorded for access counting")
	return cmd
}

func runGet(ctx context.Context, stdout io.Writer, e *engine.Engine, blobID int64) (err error) {
	out := stdout
	if getOutput != "" {
		f, createErr := os.Create(getOutput)
		if createErr != nil {
			return createErr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		out = f
	}

	if getOffset == 0 && getLength == 0 {
		r, err := e.Blobs.DownloadBlob(ctx, getUser, blobID)
		if err != nil {
			return err
		}
		defer r.Close()
		_, err = io.Copy(out, r)
		return err
	}

	length := getLength
	if length == 0 {
		size, err := e.Blobs.BlobSize(ctx, blobID)
		if err != nil {
			return err
		}
		length = size - getOffset
	}
	data, err := e.Blobs.DownloadBlobRange(ctx, blobID, getOffset, length)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat [blob-id]",
		Short: "Show storage statistics, or the statistics of one blob",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blobID := int64(-1)
			if len(args) == 1 {
				id, err := parseBlobID(args[0])
				if err != nil {
					return err
				}
				blobID = id
			}
			ctx, cancel := signalContext()
			defer cancel()
			return withEngine(ctx, func(ctx context.Context, e *engine.Engine) error {
				return runStat(ctx, cmd.OutOrStdout(), e, blobID)
			})
		},
	}
}

func runStat(ctx context.Context, out io.Writer, e *engine.Engine, blobID int64) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if blobID >= 0 {
		st, err := e.StatBlob(ctx, blobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Blob:\t%d\n", st.BlobID)
		fmt.Fprintf(w, "Size:\t%s\n", bytesize.Format(st.Size))
		fmt.Fprintf(w, "Chunks:\t%d\n", st.Chunks)
		fmt.Fprintf(w, "Accesses:\trecent %d, this year %d, past years %d\n",
			st.Access.Recent, st.Access.NearPast, st.Access.Past)
		fmt.Fprintf(w, "Last access:\t%s\n", formatTime(st.Access.LastAccess))
		fmt.Fprintf(w, "Tier:\t%s\n", st.Access.Tier)
		return w.Flush()
	}

	stats, err := e.StoreStats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Full blocks:\t%d\n", stats.Full)
	fmt.Fprintf(w, "Residual blocks:\t%d\n", stats.Residual)
	fmt.Fprintf(w, "Free block ids:\t%d\n", stats.Free)
	fmt.Fprintf(w, "Stored:\t%s\n", bytesize.Format(stats.TotalBytes))
	fmt.Fprintf(w, "Block size:\t%s\n", bytesize.Format(e.Storage.BlockSize()))
	fmt.Fprintf(w, "Backends:\t%d\n", len(e.Backends.List()))
	return w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

func parseBlobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid blob id %q", s)
	}
	return id, nil
}
