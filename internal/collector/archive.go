package collector

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

const historyDirName = "history"

// Archive gzips the current market_data.json into
// data/history/YYYY-MM-DD/HHMMSS.json.gz for backtesting and returns the
// archive path.
func (c *Collector) Archive() (string, error) {
	raw, err := os.ReadFile(c.data.Path(marketDataFile))
	if err != nil {
		return "", fmt.Errorf("read market data: %w", err)
	}

	now := time.Now().UTC()
	dayDir := filepath.Join(c.data.Root(), historyDirName, now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	path := filepath.Join(dayDir, now.Format("150405")+".json.gz")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(raw); err != nil {
		f.Close()
		return "", fmt.Errorf("write archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	c.log.Info().Str("path", path).Msg("market data archived")
	return path, nil
}

// RotateArchives deletes day directories older than the retention window and
// returns how many were removed.
func (c *Collector) RotateArchives() (int, error) {
	historyDir := filepath.Join(c.data.Root(), historyDirName)
	entries, err := os.ReadDir(historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -c.cfg.Collector.ArchiveDays)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		day, err := time.Parse("2006-01-02", e.Name())
		if err != nil {
			continue
		}
		if !day.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(historyDir, e.Name())); err != nil {
			c.log.Warn().Err(err).Str("day", e.Name()).Msg("archive removal failed")
			continue
		}
		c.log.Info().Str("day", e.Name()).Msg("rotated old archive")
		removed++
	}
	return removed, nil
}

// LoadHistory reads the archived snapshots for the past days in time order,
// oldest first. Unreadable archives are skipped with a log.
func (c *Collector) LoadHistory(days int) ([]types.MarketData, error) {
	var out []types.MarketData
	now := time.Now().UTC()

	for d := days; d >= 0; d-- {
		dayDir := filepath.Join(c.data.Root(), historyDirName, now.AddDate(0, 0, -d).Format("2006-01-02"))
		paths, err := filepath.Glob(filepath.Join(dayDir, "*.json.gz"))
		if err != nil {
			return nil, err
		}
		sort.Strings(paths)
		for _, p := range paths {
			md, err := readArchive(p)
			if err != nil {
				c.log.Warn().Err(err).Str("path", p).Msg("skipping unreadable archive")
				continue
			}
			out = append(out, *md)
		}
	}

	c.log.Info().Int("snapshots", len(out)).Int("days", days).Msg("loaded archive history")
	return out, nil
}

func readArchive(path string) (*types.MarketData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var md types.MarketData
	if err := json.NewDecoder(zr).Decode(&md); err != nil {
		return nil, err
	}
	return &md, nil
}
