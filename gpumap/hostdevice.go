package gpumap

import (
	"github.com/pkg/errors"

	"github.com/fabioruetz/ohm"
)

// HostDevice emulates a compute device in process. A single worker
// goroutine drains a FIFO queue, which preserves the submission-order
// semantics of a real device queue while keeping kernel execution off the
// caller's goroutine. It is the DeviceUnavailable fallback and the
// reference implementation the wgpu path converges against.
type HostDevice struct {
	jobs chan func()
	quit chan struct{}
}

// NewHostDevice starts the worker.
func NewHostDevice() *HostDevice {
	d := &HostDevice{
		jobs: make(chan func(), 256),
		quit: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *HostDevice) run() {
	for {
		select {
		case job := <-d.jobs:
			job()
		case <-d.quit:
			// Drain before exit so Release does not strand events.
			for {
				select {
				case job := <-d.jobs:
					job()
				default:
					return
				}
			}
		}
	}
}

func (d *HostDevice) Name() string { return "host" }

// Release stops the worker after the queue drains.
func (d *HostDevice) Release() {
	close(d.quit)
}

type hostEvent struct {
	done chan struct{}
}

func newHostEvent() *hostEvent {
	return &hostEvent{done: make(chan struct{})}
}

func (e *hostEvent) Wait() { <-e.done }

func (e *hostEvent) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

type hostBuffer struct {
	dev  *HostDevice
	data []byte
}

// CreateBuffer allocates host memory standing in for device memory.
func (d *HostDevice) CreateBuffer(size int) (Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrap(ohm.ErrBadArgument, "buffer size must be positive")
	}
	return &hostBuffer{dev: d, data: make([]byte, size)}, nil
}

func (b *hostBuffer) Size() int { return len(b.data) }

func (b *hostBuffer) Upload(offset int, data []byte) Event {
	event := newHostEvent()
	// Snapshot now: the caller may reuse its staging slice immediately,
	// which a pinned write on a real device also permits.
	snapshot := make([]byte, len(data))
	copy(snapshot, data)
	b.dev.jobs <- func() {
		copy(b.data[offset:], snapshot)
		close(event.done)
	}
	return event
}

func (b *hostBuffer) Download(offset int, data []byte) Event {
	event := newHostEvent()
	b.dev.jobs <- func() {
		copy(data, b.data[offset:offset+len(data)])
		close(event.done)
	}
	return event
}

func (b *hostBuffer) Release() {}

// EnqueueKernel submits one of the update kernels. The FIFO queue orders
// it after previously submitted uploads; waits from other queues are
// honoured by blocking the worker.
func (d *HostDevice) EnqueueKernel(id KernelID, params KernelParams, buffers KernelBuffers, waits []Event) (Event, error) {
	kernel, err := hostKernel(id)
	if err != nil {
		return nil, err
	}
	event := newHostEvent()
	d.jobs <- func() {
		WaitAll(waits)
		kernel(params, resolveHostBuffers(buffers))
		close(event.done)
	}
	return event, nil
}

// InsertBarrier returns an event completing once all earlier submissions
// have run.
func (d *HostDevice) InsertBarrier() Event {
	event := newHostEvent()
	d.jobs <- func() {
		close(event.done)
	}
	return event
}

func hostKernel(id KernelID) (func(KernelParams, hostKernelBuffers), error) {
	switch id {
	case KernelRegionUpdate:
		return regionRayUpdate, nil
	case KernelNdtHit:
		return ndtHitUpdate, nil
	}
	return nil, errors.Wrapf(ohm.ErrDeviceKernelFailed, "unknown kernel %d", id)
}

// hostKernelBuffers is KernelBuffers resolved to raw storage.
type hostKernelBuffers struct {
	occupancy        []byte
	occupancyOffsets []byte
	mean             []byte
	meanOffsets      []byte
	covariance       []byte
	covarianceOffset []byte
	hitMiss          []byte
	hitMissOffsets   []byte
	regionKeys       []byte
	rayKeys          []byte
	rays             []byte
}

func hostBytes(b Buffer) []byte {
	if hb, ok := b.(*hostBuffer); ok {
		return hb.data
	}
	return nil
}

func resolveHostBuffers(buffers KernelBuffers) hostKernelBuffers {
	return hostKernelBuffers{
		occupancy:        hostBytes(buffers.Occupancy),
		occupancyOffsets: hostBytes(buffers.OccupancyOffsets),
		mean:             hostBytes(buffers.Mean),
		meanOffsets:      hostBytes(buffers.MeanOffsets),
		covariance:       hostBytes(buffers.Covariance),
		covarianceOffset: hostBytes(buffers.CovarianceOffset),
		hitMiss:          hostBytes(buffers.HitMiss),
		hitMissOffsets:   hostBytes(buffers.HitMissOffsets),
		regionKeys:       hostBytes(buffers.RegionKeys),
		rayKeys:          hostBytes(buffers.RayKeys),
		rays:             hostBytes(buffers.Rays),
	}
}
