// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel wires the subsystems into one bootable unit: the big
// lock, the frame pool, the scheduler-backed process set, the syscall
// machine, the initrd filesystem server and the stats manager, started
// in dependency order (allocator, subsystems, root descriptors, init
// exec).
package kernel

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cloudabi/kcore/pkg/cond"
	"github.com/cloudabi/kcore/pkg/diag"
	"github.com/cloudabi/kcore/pkg/errno"
	"github.com/cloudabi/kcore/pkg/fd"
	"github.com/cloudabi/kcore/pkg/mem"
	"github.com/cloudabi/kcore/pkg/poll"
	"github.com/cloudabi/kcore/pkg/proc"
	"github.com/cloudabi/kcore/pkg/rpc"
	"github.com/cloudabi/kcore/pkg/stats"
	"github.com/cloudabi/kcore/pkg/store"
	"github.com/cloudabi/kcore/pkg/syscall"
	"github.com/cloudabi/kcore/pkg/ulock"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// vdsoImage is the blob exec maps at the vDSO address and points the auxv
// AT_SYSINFO_EHDR entry at. The simulation never executes it; it only has
// to exist and be copyable.
var vdsoImage = []byte("\x7fELF-kcore-vdso\x00")

// Initial descriptor numbers every process is born with.
const (
	FDVGA = iota
	FDBootInfo
	FDProcfs
	FDBootfs
	FDInitrdfs
	FDIfstore
	FDTermstore
)

// Options configures New.
type Options struct {
	Logger logr.Logger
	Config Config
	// Console receives everything written to the VGA descriptor.
	Console io.Writer
	// BootFiles are the executables served from the bootfs root,
	// keyed by name.
	BootFiles map[string][]byte
}

// Kernel is the assembled machine.
type Kernel struct {
	logger  logr.Logger
	config  Config
	kern    *cond.Kernel
	frames  *mem.FrameAllocator
	locks   *ulock.Manager
	poller  *poll.Engine
	trace   *diag.Ring
	machine *syscall.Machine
	stats   *stats.Manager

	fsStore   *store.Store
	fsChannel *rpc.Channel
	pseudos   map[rpc.PseudoFD]*fd.Pseudo
	closers   []io.Closer

	init      *proc.Process
	runnables []manager.Runnable
}

type duplex struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

// New boots the kernel up to (but not including) the init exec.
func New(opts Options) (*Kernel, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("logger is required")
	}
	config := opts.Config
	config.ApplyDefaults()
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	trace, err := diag.NewRing(config.TraceCapacity)
	if err != nil {
		return nil, err
	}

	k := &Kernel{
		logger:  opts.Logger.WithName("kernel"),
		config:  config,
		kern:    cond.NewKernel(),
		frames:  mem.NewFrameAllocator(opts.Logger, config.FrameCount),
		trace:   trace,
		pseudos: make(map[rpc.PseudoFD]*fd.Pseudo),
	}
	k.locks = ulock.NewManager(opts.Logger, k.kern)
	k.poller = poll.NewEngine(opts.Logger, k.kern, k.locks, poll.Options{})

	k.machine, err = syscall.NewMachine(syscall.Options{
		Logger: opts.Logger,
		Kernel: k.kern,
		Frames: k.frames,
		Locks:  k.locks,
		Poller: k.poller,
		Trace:  trace,
		VDSO:   vdsoImage,
	})
	if err != nil {
		return nil, err
	}

	// The initrd filesystem server and its reverse-FD channel: an
	// in-process duplex pipe stands in for the UNIX-domain stream this
	// RPC normally rides on.
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	kernelSide := duplex{r: r2, w: w1}
	serverSide := duplex{r: r1, w: w2}
	k.closers = []io.Closer{w1, w2, r1, r2}
	k.fsStore, err = store.New(store.Options{
		Logger:    opts.Logger,
		Transport: serverSide,
		Path:      config.StorePath,
	})
	if err != nil {
		return nil, err
	}
	k.fsChannel = rpc.NewChannel(opts.Logger, kernelSide)
	k.fsChannel.OnGratuitous(k.dispatchGratuitous)

	k.stats, err = stats.NewManager(stats.ManagerOptions{
		Logger: opts.Logger,
		Config: stats.Config{Interval: config.StatsInterval},
	})
	if err != nil {
		return nil, err
	}
	if err := k.registerCollectors(); err != nil {
		return nil, err
	}

	k.init = proc.New(opts.Logger, k.kern, k.frames, "init")
	k.machine.SetInit(k.init)
	if err := k.installRootDescriptors(console, opts.BootFiles); err != nil {
		return nil, err
	}

	// The fs server must run before init's first pseudo-FD operation;
	// the channel's gratuitous drain happens inside calls, so only the
	// server loop and the sampler need goroutines of their own.
	k.runnables = []manager.Runnable{k.fsStore, k.stats}
	return k, nil
}

func (k *Kernel) registerCollectors() error {
	collectors := []stats.Collector{
		&stats.FuncCollector{
			MetricType: stats.MetricMemory, MetricName: "frame-pool",
			CollectFunc: func(context.Context) (any, error) {
				k.kern.Lock()
				defer k.kern.Unlock()
				return k.frames.String(), nil
			},
		},
		&stats.FuncCollector{
			MetricType: stats.MetricTraces, MetricName: "trace-ring",
			CollectFunc: func(context.Context) (any, error) {
				return k.trace.Len(), nil
			},
		},
		&stats.FuncCollector{
			MetricType: stats.MetricProcesses, MetricName: "descriptor-table",
			CollectFunc: func(context.Context) (any, error) {
				k.kern.Lock()
				defer k.kern.Unlock()
				return k.init.FDs.Len(), nil
			},
		},
	}
	for _, c := range collectors {
		if err := k.stats.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// dispatchGratuitous routes a server readiness notification to the
// matching pseudo-FD's read signaler.
func (k *Kernel) dispatchGratuitous(id rpc.PseudoFD, _ rpc.Response) {
	k.kern.Lock()
	defer k.kern.Unlock()
	if p, ok := k.pseudos[id]; ok {
		p.Readable.Broadcast(nil)
	}
}

// installRootDescriptors populates init's birth descriptor table: VGA
// sink, boot-info blob, procfs, bootfs, initrdfs, the ifstore socket and
// the terminal store, each with its own rights masks.
func (k *Kernel) installRootDescriptors(console io.Writer, bootFiles map[string][]byte) error {
	all := ^fd.Rights(0)
	dirBase, _ := fd.AttenuateForOpen(fd.FiletypeDirectory, all, all)

	vga := fd.NewVGA(fd.NewBase(k.kern, fd.FiletypeVGA, "vga"), console)
	k.init.FDs.InstallAt(FDVGA, vga, fd.RightFDWrite, 0)

	bootInfo := fd.NewMemory(fd.NewBase(k.kern, fd.FiletypeMemory, "bootinfo"), []byte("kcore boot\n"))
	k.init.FDs.InstallAt(FDBootInfo, bootInfo, fd.RightFDRead|fd.RightFDSeek, 0)

	procfs := fd.NewDir(fd.NewBase(k.kern, fd.FiletypeDirectory, "procfs"))
	k.init.FDs.InstallAt(FDProcfs, procfs, dirBase, all&^fd.RightProcExec)

	bootfs := fd.NewDir(fd.NewBase(k.kern, fd.FiletypeDirectory, "bootfs"))
	for name, image := range bootFiles {
		blob := fd.NewMemory(fd.NewBase(k.kern, fd.FiletypeMemory, "bootfs/"+name), image)
		if e := bootfs.Link(name, blob, true); e != errno.Success {
			return fmt.Errorf("bootfs %q: %s", name, e)
		}
	}
	k.init.FDs.InstallAt(FDBootfs, bootfs, dirBase, all)

	initrd, err := k.openInitrdRoot()
	if err != nil {
		return err
	}
	k.init.FDs.InstallAt(FDInitrdfs, initrd, dirBase, all)

	ifstore := fd.NewSocket(fd.NewBase(k.kern, fd.FiletypeSocketStream, "ifstore"), false)
	if e := ifstore.Bind("ifstore"); e != errno.Success {
		return fmt.Errorf("ifstore bind: %s", e)
	}
	if e := ifstore.Listen(8); e != errno.Success {
		return fmt.Errorf("ifstore listen: %s", e)
	}
	k.init.FDs.InstallAt(FDIfstore, ifstore,
		fd.RightFDRead|fd.RightFDWrite|fd.RightPollFDReadwrite|fd.RightSockAcceptConn,
		fd.RightFDRead|fd.RightFDWrite|fd.RightPollFDReadwrite|fd.RightSockShutdown)

	termstore := fd.NewDir(fd.NewBase(k.kern, fd.FiletypeDirectory, "termstore"))
	k.init.FDs.InstallAt(FDTermstore, termstore, dirBase, all&^fd.RightProcExec)
	return nil
}

// openInitrdRoot wraps the store's root directory as a pseudo descriptor
// on the well-known root pseudofd and inode; no RPC is issued here since
// the server loop only starts reading in Run. Path syscalls against it
// resolve over the channel like any other pseudo directory.
func (k *Kernel) openInitrdRoot() (*fd.Pseudo, error) {
	p := fd.NewPseudo(
		fd.NewBase(k.kern, fd.FiletypeDirectory, "initrdfs"),
		fd.FiletypeDirectory, k.fsChannel, 0, store.RootInode,
	)
	k.pseudos[0] = p
	return p, nil
}

// Init returns the init process, for the host to exec and drive.
func (k *Kernel) Init() *proc.Process {
	return k.init
}

// Machine exposes the syscall dispatcher.
func (k *Kernel) Machine() *syscall.Machine {
	return k.machine
}

// ExecInit loads the given CloudABI ELF image as the init process with
// the standard birth descriptors preserved at their well-known numbers.
func (k *Kernel) ExecInit(image []byte, argdata []byte) error {
	exe := fd.NewMemory(fd.NewBase(k.kern, fd.FiletypeMemory, "init.elf"), image)
	execFD := k.init.FDs.Install(exe, fd.RightProcExec, 0)
	keep := []int{FDVGA, FDBootInfo, FDProcfs, FDBootfs, FDInitrdfs, FDIfstore, FDTermstore}

	main := k.init.NewThread()
	_, e := k.machine.Dispatch(k.init, main, syscall.NumProcExec, &syscall.Args{
		FD: execFD, Buf: argdata, PassedFDs: keep,
	})
	if e != errno.Success {
		return fmt.Errorf("exec init: %s", e)
	}
	k.logger.Info("init process started", "pid", k.init.PID.String())
	return nil
}

// Run starts the background subsystems and blocks until one of them
// fails or ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	// The fs server blocks in a transport read; closing the pipe ends is
	// what actually unblocks it on shutdown.
	go func() {
		<-ctx.Done()
		for _, c := range k.closers {
			c.Close()
		}
	}()
	for _, r := range k.runnables {
		r := r
		g.Go(func() error {
			err := r.Start(ctx)
			if err == context.Canceled || ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Close releases resources not tied to Run's context.
func (k *Kernel) Close() error {
	return k.fsStore.Close()
}
