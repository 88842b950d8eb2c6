// Package device selects the compute devices a training worker runs on.
package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"

	"github.com/tsawler/go-downscale/errdefs"
)

// Kind is the class of compute device.
type Kind int

const (
	CPU Kind = iota
	GPU
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// ParseKind resolves "CPU" or "GPU", case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CPU":
		return CPU, nil
	case "GPU":
		return GPU, nil
	}
	return 0, errdefs.Configuration("device", s, "expected CPU or GPU")
}

// Device is one visible compute device.
type Device struct {
	Kind         Kind
	Index        int
	Name         string
	Cores        int
	MemoryGrowth bool
}

func (d Device) String() string {
	return fmt.Sprintf("/device:%s:%d (%s)", d.Kind, d.Index, d.Name)
}

// Enumerator lists the physical GPUs of the host.
type Enumerator interface {
	GPUs() ([]string, error)
}

// ProcEnumerator reads the NVIDIA driver's procfs entries.
type ProcEnumerator struct {
	Root string
}

// GPUs returns the model name of every GPU under Root, ordered by bus id.
// A missing Root means no GPUs.
func (p ProcEnumerator) GPUs() ([]string, error) {
	root := p.Root
	if root == "" {
		root = "/proc/driver/nvidia/gpus"
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names = append(names, gpuModel(filepath.Join(root, e.Name(), "information"), e.Name()))
	}
	return names, nil
}

func gpuModel(path, fallback string) string {
	f, err := os.Open(path)
	if err != nil {
		return fallback
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if k, v, ok := strings.Cut(sc.Text(), ":"); ok && strings.TrimSpace(k) == "Model" {
			return strings.TrimSpace(v)
		}
	}
	return fallback
}

type request struct {
	kind         Kind
	memoryGrowth bool
	rank         int
}

// Manager applies the process-wide device visibility policy. It may be
// configured once; repeating the same request returns the cached devices.
type Manager struct {
	Enumerator Enumerator
	Setenv     func(key, value string) error

	mu      sync.Mutex
	applied *request
	devices []Device
}

// NewManager returns a Manager reading the host's GPUs and mutating the
// process environment.
func NewManager() *Manager {
	return &Manager{Enumerator: ProcEnumerator{}, Setenv: os.Setenv}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide Manager.
func Default() *Manager {
	defaultOnce.Do(func() { defaultManager = NewManager() })
	return defaultManager
}

// Configure makes the devices for kind visible to this process and returns
// them. members is the number of group members sharing the process. For
// GPU, only the device at index rank stays visible, which needs the process
// to itself. CPU requests from any member of the process are equivalent.
func (m *Manager) Configure(kind Kind, memoryGrowth bool, rank, members int) ([]Device, error) {
	var req request
	switch kind {
	case CPU:
		req = request{kind: CPU}
	case GPU:
		if members > 1 {
			return nil, errdefs.Device("workers", members,
				"GPU visibility is process-wide; run one worker per process")
		}
		req = request{kind: GPU, memoryGrowth: memoryGrowth, rank: rank}
	default:
		return nil, errdefs.Configuration("device", int(kind), "expected CPU or GPU")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied != nil {
		if *m.applied != req {
			return nil, errdefs.Device("device", kind,
				"already configured as %s (memory_growth=%t, rank=%d)", m.applied.kind, m.applied.memoryGrowth, m.applied.rank)
		}
		return append([]Device(nil), m.devices...), nil
	}

	var devices []Device
	var err error
	switch kind {
	case GPU:
		devices, err = m.configureGPU(memoryGrowth, rank)
	default:
		devices = cpuDevices()
	}
	if err != nil {
		return nil, err
	}
	m.applied, m.devices = &req, devices
	return append([]Device(nil), devices...), nil
}

func (m *Manager) configureGPU(memoryGrowth bool, rank int) ([]Device, error) {
	gpus, err := m.Enumerator.GPUs()
	if err != nil {
		return nil, errdefs.Device("device", "GPU", "enumerating GPUs: %v", err)
	}
	if len(gpus) == 0 {
		return nil, errdefs.Device("device", "GPU", "no GPUs found")
	}
	if rank < 0 || rank >= len(gpus) {
		return nil, errdefs.Device("rank", rank, "only %d GPUs available", len(gpus))
	}

	if err := m.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(rank)); err != nil {
		return nil, errdefs.Device("device", "GPU", "restricting visibility: %v", err)
	}
	if memoryGrowth {
		if err := m.Setenv("TF_FORCE_GPU_ALLOW_GROWTH", "true"); err != nil {
			return nil, errdefs.Device("memory_growth", true, "enabling memory growth: %v", err)
		}
	}
	return []Device{{Kind: GPU, Index: 0, Name: gpus[rank], MemoryGrowth: memoryGrowth}}, nil
}

func cpuDevices() []Device {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = cpuid.CPU.VendorString
	}
	cores := cpuid.CPU.LogicalCores
	if cores == 0 {
		cores = 1
	}
	return []Device{{Kind: CPU, Index: 0, Name: name, Cores: cores}}
}
