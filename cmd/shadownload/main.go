// Command shadownload is a small CLI that exercises the shadownloader
// client library end to end against a real server: upload a file, print
// its share link, or download one back down given a file ID and key.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	shadownloader "github.com/kenneth/shadownloader"
)

const clientVersion = "shadownload-cli/1.0.0"

func main() {
	var (
		serverURL    = pflag.String("server", "https://localhost:8443", "Server base URL")
		command      = pflag.String("cmd", "upload", "Command to run: upload or download")
		filePath     = pflag.String("file", "", "Path to the file to upload")
		lifetimeMs   = pflag.Int64("lifetime-ms", 0, "Share lifetime in milliseconds (0 = unlimited)")
		maxDownloads = pflag.Uint32("max-downloads", 0, "Max downloads before the share expires (0 = unlimited)")
		encrypt      = pflag.Bool("encrypt", true, "Encrypt the file client-side before upload")
		fileID       = pflag.String("file-id", "", "File ID to download")
		keyB64       = pflag.String("key", "", "Base64 decryption key, as returned alongside the share link")
		outPath      = pflag.String("out", "", "Path to write a downloaded file to (defaults to the server-reported name)")
		fallbackHTTP = pflag.Bool("fallback-http", false, "Retry over plain HTTP if the HTTPS connection attempt fails")
		verbose      = pflag.Bool("verbose", false, "Enable debug logging")
		timeout      = pflag.Duration("timeout", 5*time.Minute, "Overall command timeout")
	)
	pflag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	client, err := shadownloader.New(clientVersion, *serverURL,
		shadownloader.WithLogger(logger),
		shadownloader.WithFallbackToHTTP(*fallbackHTTP),
	)
	if err != nil {
		logger.WithError(err).Fatal("failed to construct client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Warn("received interrupt, cancelling in-flight command")
		cancel()
	}()

	switch *command {
	case "upload":
		if *filePath == "" {
			logger.Fatal("--file is required for --cmd=upload")
		}
		err = runUpload(ctx, client, logger, *filePath, *lifetimeMs, *maxDownloads, *encrypt)
	case "download":
		if *fileID == "" || *keyB64 == "" {
			logger.Fatal("--file-id and --key are required for --cmd=download")
		}
		err = runDownload(ctx, client, logger, *fileID, *keyB64, *outPath)
	default:
		logger.Fatalf("unknown --cmd %q, expected upload or download", *command)
	}

	if err != nil {
		logger.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, client *shadownloader.Client, logger *logrus.Logger, path string, lifetimeMs int64, maxDownloads uint32, encrypt bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source file: %w", err)
	}

	var maxDownloadsPtr *uint32
	if maxDownloads > 0 {
		maxDownloadsPtr = &maxDownloads
	}

	session := client.UploadFile(ctx, shadownloader.UploadOptions{
		Filename:     info.Name(),
		Size:         info.Size(),
		Source:       f,
		LifetimeMs:   lifetimeMs,
		Encrypt:      &encrypt,
		MaxDownloads: maxDownloadsPtr,
		OnProgress: func(p shadownloader.UploadProgress) {
			logger.WithFields(logrus.Fields{
				"phase":   p.Phase,
				"chunk":   p.ChunkIndex,
				"total":   p.TotalChunks,
				"percent": fmt.Sprintf("%.1f", p.Percent),
			}).Debug("upload progress")
		},
	})

	result, err := session.Result()
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Printf("uploaded %s\n", info.Name())
	fmt.Printf("share url: %s\n", result.ShareURL)
	fmt.Printf("file id:   %s\n", result.FileID)
	return nil
}

func runDownload(ctx context.Context, client *shadownloader.Client, logger *logrus.Logger, fileID, keyB64, outPath string) error {
	var out *os.File
	var err error
	if outPath != "" {
		out, err = os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer out.Close()
	}

	onData := func(chunk []byte) error {
		if out == nil {
			return nil
		}
		_, err := out.Write(chunk)
		return err
	}
	if outPath == "" {
		onData = nil
	}

	result, err := client.DownloadFile(ctx, shadownloader.DownloadOptions{
		FileID: fileID,
		KeyB64: keyB64,
		OnData: onData,
		OnProgress: func(p shadownloader.DownloadProgress) {
			logger.WithFields(logrus.Fields{
				"received": p.ReceivedBytes,
				"total":    p.TotalBytes,
				"percent":  fmt.Sprintf("%.1f", p.Percent),
			}).Debug("download progress")
		},
	})
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	if out == nil && len(result.Data) > 0 {
		target := result.Filename
		if target == "" {
			target = fileID
		}
		if werr := os.WriteFile(target, result.Data, 0644); werr != nil {
			return fmt.Errorf("write downloaded file: %w", werr)
		}
		outPath = target
	}

	fmt.Printf("downloaded %s (%d bytes, encrypted=%v)\n", result.Filename, result.ReceivedBytes, result.WasEncrypted)
	if outPath != "" {
		fmt.Printf("wrote to %s\n", outPath)
	}
	return nil
}
