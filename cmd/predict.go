package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/classifier"
)

var (
	remoteURL     string
	remoteTimeout time.Duration
)

var predictCmd = &cobra.Command{
	Use:   "predict <image>...",
	Short: "Classify local image files",
	Long: `Classify one or more images. Without --remote the model is loaded
in-process; with --remote the images are posted to a running server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var predict predictFunc
		if remoteURL != "" {
			predict = remotePredictor(remoteURL, &http.Client{Timeout: remoteTimeout})
		} else {
			stack, err := newClassifierStack(cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close()
			if err := stack.service.Load(cmd.Context()); err != nil {
				return err
			}
			predict = func(_ context.Context, _ string, data []byte) (classifier.Result, error) {
				return stack.service.Predict(data)
			}
		}
		return runPredict(cmd.Context(), cmd.OutOrStdout(), args, predict)
	},
}

func init() {
	predictCmd.Flags().StringVar(&remoteURL, "remote", "", "base URL of a running server, e.g. http://localhost:8080")
	predictCmd.Flags().DurationVar(&remoteTimeout, "timeout", 30*time.Second, "per-request timeout for --remote")
	rootCmd.AddCommand(predictCmd)
}

type predictFunc func(ctx context.Context, name string, data []byte) (classifier.Result, error)

// runPredict classifies each path in order. A failing image is reported and
// skipped; the returned error summarizes the failures.
func runPredict(ctx context.Context, out io.Writer, paths []string, predict predictFunc) error {
	failed := 0
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err == nil {
			var result classifier.Result
			result, err = predict(ctx, filepath.Base(path), data)
			if err == nil {
				printResult(out, path, result)
				continue
			}
		}
		failed++
		fmt.Fprintf(out, "%s: error: %v\n\n", path, err)
		if logger != nil {
			logger.Debug("prediction failed", zap.String("path", path), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

func printResult(out io.Writer, path string, r classifier.Result) {
	fmt.Fprintf(out, "%s: %s (%.2f%%)\n", path, r.PredictedClass, r.Confidence*100)
	if r.ThresholdApplied {
		fmt.Fprintln(out, "  below confidence threshold")
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, label := range r.Probabilities.Ranked() {
		fmt.Fprintf(w, "  %s\t%6.2f%%\n", label, r.Probabilities[label]*100)
	}
	w.Flush()
	fmt.Fprintln(out)
}

type remoteResponse struct {
	classifier.Result
	Error string `json:"error"`
}

func remotePredictor(baseURL string, client *http.Client) predictFunc {
	endpoint := strings.TrimRight(baseURL, "/") + "/predict"
	return func(ctx context.Context, name string, data []byte) (classifier.Result, error) {
		body, contentType, err := multipartImage(name, data)
		if err != nil {
			return classifier.Result{}, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return classifier.Result{}, err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := client.Do(req)
		if err != nil {
			return classifier.Result{}, err
		}
		defer resp.Body.Close()

		var decoded remoteResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return classifier.Result{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
		}
		if resp.StatusCode != http.StatusOK {
			return classifier.Result{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, decoded.Error)
		}
		return decoded.Result, nil
	}
}

// multipartImage builds a "file" form part carrying the sniffed image type,
// since the server rejects application/octet-stream.
func multipartImage(name string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", http.DetectContentType(data))
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
