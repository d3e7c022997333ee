// Package memorypool implements the fixed-size block allocator shared by the
// CoAP transport (spec §4.1): a contiguous arena divided into equal blocks,
// one free list, per-block allocation metadata, and age-based leak
// detection. All operations are guarded by a single coarse lock, matching
// the concurrency discipline spec §5 requires ("Memory pool: single internal
// lock across allocate/deallocate/reset/metrics").
package memorypool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coreraft/raftnet/raftrpc"
)

// Address is an opaque block handle. It is a numeric identifier, not a real
// pointer — the pool owns the backing bytes and the caller only ever sees
// this handle (spec §3, MemoryBlock: "Owned by the pool; the caller holds
// only a raw handle until deallocation").
type Address uint64

// Config configures a Pool (spec §6, "Memory pool:
// { total_size, block_size, leak_threshold, leak_detection_enabled }").
type Config struct {
	TotalSize            int
	BlockSize            int
	LeakThreshold        time.Duration
	LeakDetectionEnabled bool
	Logger               hclog.Logger
	Metrics              raftrpc.MetricsSink
}

type block struct {
	requestedSize  int
	allocationTime time.Time
	threadID       uint64
	context        string
	free           bool
}

// Pool is a fixed-block arena allocator.
type Pool struct {
	mu        sync.Mutex
	blockSize int
	blocks    []block
	freeList  []Address // stack of free block indices, as Address

	allocatedBlocks int
	peakAllocated   int
	allocCount      uint64
	deallocCount    uint64

	nextAddr atomic.Uint64

	logger  hclog.Logger
	metrics raftrpc.MetricsSink
	leakThr time.Duration
	leakOn  bool
}

// New builds a Pool with the given configuration. TotalSize is rounded down
// to a whole number of BlockSize-sized blocks.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = raftrpc.NoopMetrics{}
	}
	nBlocks := 0
	if cfg.BlockSize > 0 {
		nBlocks = cfg.TotalSize / cfg.BlockSize
	}
	p := &Pool{
		blockSize: cfg.BlockSize,
		blocks:    make([]block, nBlocks),
		freeList:  make([]Address, nBlocks),
		logger:    logger.Named("memorypool"),
		metrics:   metrics,
		leakThr:   cfg.LeakThreshold,
		leakOn:    cfg.LeakDetectionEnabled,
	}
	for i := 0; i < nBlocks; i++ {
		p.blocks[i].free = true
		p.freeList[i] = Address(i)
	}
	return p
}

// TotalSize returns the arena size in bytes (number of blocks × block size).
func (p *Pool) TotalSize() int {
	return len(p.blocks) * p.blockSize
}

// Allocate reserves one whole block for a request of the given size. It
// fails (ok=false) if size exceeds the block size or no free block remains
// (spec §4.1).
func (p *Pool) Allocate(size int, context string) (addr Address, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if size > p.blockSize || len(p.freeList) == 0 {
		return 0, false
	}

	addr = p.freeList[len(p.freeList)-1]
	p.freeList = p.freeList[:len(p.freeList)-1]

	b := &p.blocks[addr]
	b.free = false
	b.requestedSize = size
	b.allocationTime = time.Now()
	b.threadID = p.nextAddr.Add(1) // stand-in for the allocating goroutine's identity, captured at allocation time per spec Design Notes
	b.context = context

	p.allocatedBlocks++
	p.allocCount++
	if p.allocatedBlocks > p.peakAllocated {
		p.peakAllocated = p.allocatedBlocks
	}

	p.metrics.IncrCounter([]string{"memorypool", "allocate"}, 1, nil)
	p.metrics.SetGauge([]string{"memorypool", "allocated_blocks"}, float32(p.allocatedBlocks), nil)
	return addr, true
}

// Deallocate returns a block to the free list. An out-of-range address or a
// block that is already free is ignored (spec §4.1).
func (p *Pool) Deallocate(addr Address) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if int(addr) >= len(p.blocks) {
		return
	}
	b := &p.blocks[addr]
	if b.free {
		return
	}
	b.free = true
	b.requestedSize = 0
	b.context = ""
	p.allocatedBlocks--
	p.deallocCount++
	p.freeList = append(p.freeList, addr)

	p.metrics.IncrCounter([]string{"memorypool", "deallocate"}, 1, nil)
	p.metrics.SetGauge([]string{"memorypool", "allocated_blocks"}, float32(p.allocatedBlocks), nil)
}

// Reset returns every block to free and clears per-block metadata, preserving
// total size.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeList = p.freeList[:0]
	for i := range p.blocks {
		p.blocks[i] = block{free: true}
		p.freeList = append(p.freeList, Address(i))
	}
	p.allocatedBlocks = 0
	p.logger.Debug("pool reset")
}

// Metrics is a point-in-time snapshot respecting the pool size invariant
// (spec §3, PoolMetrics).
type Metrics struct {
	TotalSize           int
	AllocatedSize       int
	FreeSize            int
	PeakUsage           int
	AllocationCount     uint64
	DeallocationCount   uint64
	FragmentationRatio  int // integer percent, see spec Open Questions: this is a free-ratio, not true fragmentation
}

// GetMetrics returns a linearizable snapshot of pool state (spec §4.1).
func (p *Pool) GetMetrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metricsLocked()
}

func (p *Pool) metricsLocked() Metrics {
	total := len(p.blocks) * p.blockSize
	allocated := p.allocatedBlocks * p.blockSize
	free := total - allocated

	ratio := 0
	if len(p.blocks) == 0 {
		ratio = 100
	} else {
		ratio = (len(p.freeList) * 100) / len(p.blocks)
	}

	return Metrics{
		TotalSize:          total,
		AllocatedSize:       allocated,
		FreeSize:            free,
		PeakUsage:           p.peakAllocated * p.blockSize,
		AllocationCount:     p.allocCount,
		DeallocationCount:   p.deallocCount,
		FragmentationRatio:  ratio,
	}
}

// Leak is a currently-allocated block old enough to be reported (spec §3,
// LeakRecord).
type Leak struct {
	Address        Address
	Size           int
	Age            time.Duration
	ThreadID       uint64
	AllocationContext string
}

// DetectLeaks returns every currently-allocated block whose age is at least
// the configured threshold. Deallocated blocks never appear (spec §4.1,
// Testable Property 3).
func (p *Pool) DetectLeaks() []Leak {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.leakOn {
		return nil
	}
	now := time.Now()
	var leaks []Leak
	for i := range p.blocks {
		b := &p.blocks[i]
		if b.free {
			continue
		}
		age := now.Sub(b.allocationTime)
		if age >= p.leakThr {
			leaks = append(leaks, Leak{
				Address:           Address(i),
				Size:              b.requestedSize,
				Age:               age,
				ThreadID:          b.threadID,
				AllocationContext: b.context,
			})
		}
	}
	return leaks
}
