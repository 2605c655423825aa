// Package power reads the battery from the Linux power_supply class.
package power

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"cuewatch/internal/reminder"
)

const DefaultRoot = "/sys/class/power_supply"

var ErrNoBattery = errors.New("no battery found")

type SysfsCollector struct {
	fs   afero.Fs
	root string
	now  func() time.Time

	last     *reminder.Battery
	stopOnce sync.Once
	stopChan chan struct{}
}

func NewSysfsCollector(fs afero.Fs, root string) *SysfsCollector {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		root = DefaultRoot
	}
	return &SysfsCollector{fs: fs, root: root, now: time.Now, stopChan: make(chan struct{})}
}

func (c *SysfsCollector) readAttr(dir, name string) (string, error) {
	b, err := afero.ReadFile(c.fs, filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// battery returns the first supply whose type is Battery.
func (c *SysfsCollector) battery() (string, error) {
	entries, err := afero.ReadDir(c.fs, c.root)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", c.root, err)
	}
	for _, e := range entries {
		dir := filepath.Join(c.root, e.Name())
		if typ, err := c.readAttr(dir, "type"); err == nil && typ == "Battery" {
			return dir, nil
		}
	}
	return "", ErrNoBattery
}

func (c *SysfsCollector) Read(ctx context.Context) (*reminder.Battery, error) {
	dir, err := c.battery()
	if err != nil {
		return nil, err
	}
	raw, err := c.readAttr(dir, "capacity")
	if err != nil {
		return nil, fmt.Errorf("failed to read battery capacity: %w", err)
	}
	level, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("bad battery capacity %q: %w", raw, err)
	}
	if level < 0 {
		level = 0
	} else if level > 100 {
		level = 100
	}
	status, _ := c.readAttr(dir, "status")
	return &reminder.Battery{
		Level:    level,
		Charging: status == "Charging" || status == "Full",
		At:       c.now(),
	}, nil
}

// Start polls until ctx is done or Stop is called. Only readings that
// differ from the previous one in level or charging state are sent.
func (c *SysfsCollector) Start(ctx context.Context, interval time.Duration, output chan<- reminder.Battery) error {
	log.Printf("[DEBUG] Starting battery collector (interval: %s)", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.poll(ctx, output); err != nil && !errors.Is(err, ErrNoBattery) {
		log.Printf("[WARN] Failed to read initial battery level: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Println("[DEBUG] Battery collector stopping due to context cancellation.")
			return ctx.Err()
		case <-c.stopChan:
			log.Println("[DEBUG] Battery collector stopping.")
			return nil
		case <-ticker.C:
			if err := c.poll(ctx, output); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[TRACE] Battery read failed: %v", err)
			}
		}
	}
}

func (c *SysfsCollector) poll(ctx context.Context, output chan<- reminder.Battery) error {
	b, err := c.Read(ctx)
	if err != nil {
		return err
	}
	if c.last != nil && c.last.Level == b.Level && c.last.Charging == b.Charging {
		return nil
	}
	select {
	case output <- *b:
		c.last = b
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopChan:
		return nil
	}
}

func (c *SysfsCollector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}
