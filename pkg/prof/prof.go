//go:build profile

package prof

import (
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/pkg/errors"

	"github.com/ardnew/softprobe/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

// active guards the process-wide CPU profiler.
var (
	activeMutex sync.Mutex
	active      *Session
)

// Session is one profiling run. Empty paths are skipped.
type Session struct {
	CPU   string // CPU profile, sampled from Start to Stop
	Heap  string // Heap snapshot taken at Stop
	Block string // Blocking profile written at Stop
	Mutex string // Mutex contention profile written at Stop

	cpu *os.File
}

// Start begins the session. Only one session may run at a time.
func (s *Session) Start() error {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active != nil {
		return ErrActive
	}

	if s.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if s.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}
	if s.CPU != "" {
		f, err := os.Create(s.CPU)
		if err != nil {
			return errors.Wrap(err, "create cpu profile")
		}
		if err := rpprof.StartCPUProfile(f); err != nil {
			f.Close()
			return errors.Wrap(err, "start cpu profile")
		}
		s.cpu = f
	}
	active = s
	pkg.LogInfo(pkg.ComponentDevice, "profiling started", "cpu", s.CPU)
	return nil
}

// Stop ends the session and writes the snapshot profiles. It returns the
// first error; every profile is still attempted.
func (s *Session) Stop() error {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active != s {
		return nil
	}
	active = nil

	var first error
	keep := func(err error) {
		if first == nil && err != nil {
			first = err
		}
	}
	if s.cpu != nil {
		rpprof.StopCPUProfile()
		keep(errors.Wrap(s.cpu.Close(), "close cpu profile"))
		s.cpu = nil
	}
	if s.Heap != "" {
		runtime.GC()
		keep(write("heap", s.Heap))
	}
	if s.Block != "" {
		keep(write("block", s.Block))
		runtime.SetBlockProfileRate(0)
	}
	if s.Mutex != "" {
		keep(write("mutex", s.Mutex))
		runtime.SetMutexProfileFraction(0)
	}
	pkg.LogInfo(pkg.ComponentDevice, "profiling stopped", "error", first)
	return first
}

func write(name, path string) error {
	p := rpprof.Lookup(name)
	if p == nil {
		return errors.Errorf("no %s profile", name)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s profile", name)
	}
	defer f.Close()
	return errors.Wrapf(p.WriteTo(f, 0), "write %s profile", name)
}

// Serve exposes /debug/pprof/ on addr until the returned listener is
// closed.
func Serve(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "pprof listen on %s", addr)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		err := http.Serve(l, mux)
		pkg.LogDebug(pkg.ComponentDevice, "pprof server stopped", "error", err)
	}()
	pkg.LogInfo(pkg.ComponentDevice, "pprof listening", "addr", l.Addr().String())
	return l, nil
}
