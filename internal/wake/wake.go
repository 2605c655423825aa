// Package wake keeps the machine from sleeping while an alarm rings, using
// a systemd-logind inhibitor lock.
package wake

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	logindObj     = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	inhibitMethod = "org.freedesktop.login1.Manager.Inhibit"
)

type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Logind holds at most one inhibitor. The lock lives as long as the file
// descriptor logind hands back.
type Logind struct {
	obj  caller
	who  string
	what string

	mu   sync.Mutex
	lock *os.File
}

func NewLogind(who string) (*Logind, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DBus system bus: %w", err)
	}
	return newLogind(bus.Object(logindObj, logindPath), who), nil
}

func newLogind(obj caller, who string) *Logind {
	return &Logind{obj: obj, who: who, what: "sleep:idle"}
}

// Acquire is a no-op while a lock is held.
func (l *Logind) Acquire(ctx context.Context, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock != nil {
		return nil
	}
	var fd dbus.UnixFD
	call := l.obj.CallWithContext(ctx, inhibitMethod, 0, l.what, l.who, reason, "block")
	if err := call.Store(&fd); err != nil {
		return fmt.Errorf("failed to take inhibitor lock: %w", err)
	}
	l.lock = os.NewFile(uintptr(fd), "logind-inhibit")
	log.Printf("[DEBUG] Inhibitor lock taken: %s", reason)
	return nil
}

func (l *Logind) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}
	err := l.lock.Close()
	l.lock = nil
	log.Println("[DEBUG] Inhibitor lock released")
	return err
}

func (l *Logind) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock != nil
}

// Noop is used when no system bus is reachable.
type Noop struct{}

func (Noop) Acquire(ctx context.Context, reason string) error { return nil }
func (Noop) Release() error                                  { return nil }
