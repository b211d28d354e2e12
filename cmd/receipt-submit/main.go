package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-pipeline/internal/feed"
	"github.com/zombor/receipt-pipeline/internal/gateway"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

func main() {
	fs := ff.NewFlagSet("receipt-submit")
	var (
		serverURL   = fs.StringLong("server", "http://localhost:8080", "Receipt pipeline base URL")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		file        = fs.StringLong("file", "", "Receipt image to upload (jpeg, png, heic or pdf)")
		noWait      = fs.BoolLong("no-wait", "Print the receipt id and exit without following the job")
		comparisons = fs.DurationLong("comparisons", 0, "After completion, keep waiting this long for price comparisons")
		timeout     = fs.DurationLong("timeout", 3*time.Minute, "Give up following the job after this long")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_SUBMIT"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *file == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: --file is required\n")
		os.Exit(1)
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		slog.Error("Failed to read file", "file", *file, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimSuffix(*serverURL, "/")
	id, err := upload(ctx, base, *authUser, *authPass, filepath.Base(*file), data)
	if err != nil {
		slog.Error("Upload failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Receipt accepted", "receipt_id", id)
	if *noWait {
		fmt.Println(id)
		return
	}

	final, err := follow(ctx, gateway.NewSubscriptions(feed.NewRemote(base, *authUser, *authPass, nil), nil), id, *timeout, *comparisons)
	if err != nil {
		slog.Error("Following receipt failed", "receipt_id", id, "error", err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(receipt.ToRow(final), "", "  ")
	if err != nil {
		slog.Error("Failed to encode receipt", "receipt_id", id, "error", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if final.Status == receipt.StatusError {
		os.Exit(2)
	}
}

// follow waits for the receipt to leave processing, then optionally for its price comparisons
func follow(ctx context.Context, subs *gateway.Subscriptions, id string, timeout, comparisons time.Duration) (*receipt.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	updates := make(chan *receipt.Receipt, 8)
	unsubscribe, err := subs.Subscribe(ctx, id, func(r *receipt.Receipt) {
		select {
		case updates <- r:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	var (
		latest   *receipt.Receipt
		deadline <-chan time.Time
	)
	for {
		select {
		case r := <-updates:
			latest = r
			slog.Info("Receipt updated", "receipt_id", id, "status", r.Status, "revision", r.Revision)
			if !r.Status.Terminal() {
				continue
			}
			if r.Status == receipt.StatusError || comparisons <= 0 || len(r.PriceComparisons) > 0 {
				return r, nil
			}
			if deadline == nil {
				deadline = time.After(comparisons)
			}
		case <-deadline:
			return latest, nil
		case <-ctx.Done():
			if latest != nil && latest.Status.Terminal() {
				return latest, nil
			}
			return nil, fmt.Errorf("waiting for receipt %s: %w", id, ctx.Err())
		}
	}
}

// upload posts the image as multipart form data and returns the new receipt id
func upload(ctx context.Context, baseURL, username, password, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", http.DetectContentType(data))
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("creating form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/receipts", &body)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("upload rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var accepted struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &accepted); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return accepted.ID, nil
}
