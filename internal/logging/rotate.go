package logging

import (
	"context"
	"fmt"
	"os"

	"github.com/edgeof8/pyrc-core/internal/config"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RotateAndArchive compresses a finished log file using the configured codec
// (writing a .gz or .zst file beside it and removing the plaintext; codec
// "none" leaves the file as it is), and optionally uploads the resulting
// file to S3, removing the local copy afterward. Grounded on the teacher's
// intended-but-unwired CompressionGzip/CompressionZstd split in
// internal/protocol/frames.go and its declared (but unused) AWS SDK
// dependency — both get a real home here.
func RotateAndArchive(ctx context.Context, path string, cfg config.LoggingConfig) error {
	compressedPath, err := compressFile(path, cfg.CompressionCodec)
	if err != nil {
		return fmt.Errorf("compressing %s: %w", path, err)
	}

	if cfg.ArchiveAfterRotate && cfg.S3Bucket != "" {
		if err := uploadToS3(ctx, compressedPath, cfg); err != nil {
			return fmt.Errorf("archiving %s to s3://%s: %w", compressedPath, cfg.S3Bucket, err)
		}
		return os.Remove(compressedPath)
	}
	return nil
}

// compressFile compresses src in place and returns the new path, or src
// itself unchanged when codec is "none".
func compressFile(src, codec string) (string, error) {
	switch codec {
	case "", "none":
		return src, nil
	case "gzip":
		return compressWith(src, ".gz", func(w *os.File) (flusher, error) {
			gz, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
			return gz, err
		})
	case "zstd":
		return compressWith(src, ".zst", func(w *os.File) (flusher, error) {
			return zstd.NewWriter(w)
		})
	default:
		return "", fmt.Errorf("unsupported compression codec %q", codec)
	}
}

// flusher is satisfied by both *pgzip.Writer and *zstd.Encoder: both
// implement io.WriteCloser plus Close() flushing trailers.
type flusher interface {
	Write(p []byte) (int, error)
	Close() error
}

func compressWith(src, suffix string, newWriter func(*os.File) (flusher, error)) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dstPath := src + suffix
	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w, err := newWriter(out)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 256*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				w.Close()
				return "", werr
			}
		}
		if rerr != nil {
			break
		}
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := os.Remove(src); err != nil {
		return "", err
	}
	return dstPath, nil
}

func uploadToS3(ctx context.Context, path string, cfg config.LoggingConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return fmt.Errorf("loading aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := cfg.S3Prefix + "/" + baseName(path)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &cfg.S3Bucket,
		Key:    &key,
		Body:   f,
	})
	return err
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
