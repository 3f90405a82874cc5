package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/example/bps-classifier/internal/artifact"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the model artifact into the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		fetcher := artifact.NewGCSFetcher(cfg.Model.CredentialsFile)
		defer fetcher.Close()

		loc := artifactLocation(cfg.Model)
		cache := artifact.NewCache(fetcher, logger).WithProgress(progressReader(cmd.ErrOrStderr()))
		if err := cache.Ensure(cmd.Context(), loc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "model available at %s\n", loc.LocalPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
}

// progressReader renders a byte progress bar on w. Unknown sizes get a spinner.
func progressReader(w io.Writer) artifact.ProgressFunc {
	return func(r io.Reader, size int64) io.Reader {
		bar := progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("downloading model"),
			progressbar.OptionShowBytes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
			progressbar.OptionSpinnerType(14),
		)
		return io.TeeReader(r, bar)
	}
}
