/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils.go
Description: Run log maintenance for simfuzz. Compresses finished logs, enforces the
retention count and reports what is on disk.
*/

package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LogManager maintains the run logs of one directory
type LogManager struct {
	logDir   string
	maxFiles int
	compress bool
}

// NewLogManager creates a new log manager
func NewLogManager(logDir string, maxFiles int, compress bool) *LogManager {
	return &LogManager{
		logDir:   logDir,
		maxFiles: maxFiles,
		compress: compress,
	}
}

func (lm *LogManager) files() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(lm.logDir, filePrefix+"*.log*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob log files: %w", err)
	}
	return files, nil
}

// Archive compresses a finished log file when compression is enabled
func (lm *LogManager) Archive(path string) error {
	if !lm.compress {
		return nil
	}
	return compressFile(path)
}

// compressFile replaces a file with its gzip copy
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	compressed, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(compressed)
	if _, err := io.Copy(gz, source); err != nil {
		compressed.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		compressed.Close()
		return err
	}
	if err := compressed.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// CleanupOldLogs removes the oldest run logs beyond the retention count
func (lm *LogManager) CleanupOldLogs() error {
	files, err := lm.files()
	if err != nil {
		return err
	}
	if lm.maxFiles <= 0 || len(files) <= lm.maxFiles {
		return nil
	}

	// names embed the start time, so lexical order is age order
	sort.Strings(files)
	for _, f := range files[:len(files)-lm.maxFiles] {
		if err := os.Remove(f); err != nil {
			return fmt.Errorf("failed to remove file %s: %w", f, err)
		}
	}
	return nil
}

// GetLogStats returns statistics about log files
func (lm *LogManager) GetLogStats() (*LogStats, error) {
	files, err := lm.files()
	if err != nil {
		return nil, err
	}

	stats := &LogStats{TotalFiles: len(files)}
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalSize += stat.Size()
		if stats.OldestFile.IsZero() || stat.ModTime().Before(stats.OldestFile) {
			stats.OldestFile = stat.ModTime()
		}
		if stat.ModTime().After(stats.NewestFile) {
			stats.NewestFile = stat.ModTime()
		}
		if strings.HasSuffix(file, ".gz") {
			stats.CompressedFiles++
		} else {
			stats.UncompressedFiles++
		}
	}
	return stats, nil
}

// LogStats holds statistics about log files
type LogStats struct {
	TotalFiles        int       `json:"total_files" yaml:"total_files"`
	TotalSize         int64     `json:"total_size" yaml:"total_size"`
	CompressedFiles   int       `json:"compressed_files" yaml:"compressed_files"`
	UncompressedFiles int       `json:"uncompressed_files" yaml:"uncompressed_files"`
	OldestFile        time.Time `json:"oldest_file" yaml:"oldest_file"`
	NewestFile        time.Time `json:"newest_file" yaml:"newest_file"`
}
