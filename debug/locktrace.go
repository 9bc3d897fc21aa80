package debug

import (
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Lock tracing reports how long callers wait for, and hold, the ledger's
// locks. The ledger's writer lock is held for the whole seal + persist cycle,
// so contention here is the first thing to look at when appends queue up.
//
// Enable with:
//   SUPPLYLEDGER_LOCK_TRACE=1
//
// Thresholds in milliseconds (default 0 = report everything):
//   SUPPLYLEDGER_LOCK_TRACE_MIN_WAIT_MS
//   SUPPLYLEDGER_LOCK_TRACE_MIN_HOLD_MS   (exclusive locks only)

const envPrefix = "SUPPLYLEDGER_LOCK_TRACE"

var (
	traceEnabled atomic.Bool
	minWaitNS    atomic.Int64
	minHoldNS    atomic.Int64
	traceSeq     atomic.Uint64
	traceOnce    sync.Once
)

func traceInit() {
	traceOnce.Do(func() {
		traceEnabled.Store(EnvBool(envPrefix, false))
		minWaitNS.Store(int64(time.Duration(max(EnvInt(envPrefix+"_MIN_WAIT_MS", 0), 0)) * time.Millisecond))
		minHoldNS.Store(int64(time.Duration(max(EnvInt(envPrefix+"_MIN_HOLD_MS", 0), 0)) * time.Millisecond))
	})
}

// Enabled reports whether lock tracing is switched on for this process.
func Enabled() bool {
	traceInit()
	return traceEnabled.Load()
}

// EnvBool parses a boolean environment variable, falling back to def when
// unset or unrecognised.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// EnvInt parses an integer environment variable, falling back to def.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func callsite(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	parts := strings.Split(file, "/")
	if len(parts) >= 2 {
		file = parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return file + ":" + strconv.Itoa(line)
}

// holdTracker records the acquisition of an exclusive lock so the matching
// release can report hold time.
type holdTracker struct {
	acquiredNS atomic.Int64
	seq        atomic.Uint64
}

func (h *holdTracker) acquired(name, mode string, wait time.Duration) {
	seq := traceSeq.Add(1)
	h.seq.Store(seq)
	h.acquiredNS.Store(time.Now().UnixNano())
	if int64(wait) >= minWaitNS.Load() {
		log.Printf("[lock] acquire seq=%d name=%s mode=%s wait=%s at=%s", seq, name, mode, wait.Truncate(time.Microsecond), callsite(3))
	}
}

func (h *holdTracker) snapshot() (uint64, time.Time) {
	return h.seq.Load(), time.Unix(0, h.acquiredNS.Load())
}

func released(name string, seq uint64, since time.Time) {
	held := time.Since(since)
	if int64(held) >= minHoldNS.Load() {
		log.Printf("[lock] release seq=%d name=%s held=%s at=%s", seq, name, held.Truncate(time.Microsecond), callsite(3))
	}
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

// Mutex is a sync.Mutex with optional contention tracing.
type Mutex struct {
	mu   sync.Mutex
	name string
	hold holdTracker
}

// NewMutex returns a named Mutex. The zero value is also usable.
func NewMutex(name string) *Mutex {
	return &Mutex{name: name}
}

func (m *Mutex) SetName(name string) { m.name = name }

func (m *Mutex) Lock() {
	if !Enabled() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.hold.acquired(displayName(m.name), "Lock", time.Since(start))
}

func (m *Mutex) Unlock() {
	if !Enabled() {
		m.mu.Unlock()
		return
	}
	seq, since := m.hold.snapshot()
	m.mu.Unlock()
	released(displayName(m.name), seq, since)
}

// RWMutex is a sync.RWMutex with optional contention tracing. Read locks
// only report wait time since several readers can hold the lock at once.
type RWMutex struct {
	mu   sync.RWMutex
	name string
	hold holdTracker
}

// NewRWMutex returns a named RWMutex. The zero value is also usable.
func NewRWMutex(name string) *RWMutex {
	return &RWMutex{name: name}
}

func (m *RWMutex) SetName(name string) { m.name = name }

func (m *RWMutex) Lock() {
	if !Enabled() {
		m.mu.Lock()
		return
	}
	start := time.Now()
	m.mu.Lock()
	m.hold.acquired(displayName(m.name), "Lock", time.Since(start))
}

func (m *RWMutex) Unlock() {
	if !Enabled() {
		m.mu.Unlock()
		return
	}
	seq, since := m.hold.snapshot()
	m.mu.Unlock()
	released(displayName(m.name), seq, since)
}

func (m *RWMutex) RLock() {
	if !Enabled() {
		m.mu.RLock()
		return
	}
	start := time.Now()
	m.mu.RLock()
	if wait := time.Since(start); int64(wait) >= minWaitNS.Load() {
		log.Printf("[lock] acquire name=%s mode=RLock wait=%s at=%s", displayName(m.name), wait.Truncate(time.Microsecond), callsite(2))
	}
}

func (m *RWMutex) RUnlock() {
	m.mu.RUnlock()
}
