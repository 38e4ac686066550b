package gpumap

import (
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/pkg/errors"

	"github.com/fabioruetz/ohm"
)

// WgpuDevice drives the update kernels through WebGPU. It is headless:
// the adapter is acquired without a surface. Uploads go through the
// transfer queue; downloads stage through a map-read buffer.
//
// The wgpu path currently implements KernelRegionUpdate only; the NDT
// sample pass needs per-voxel serialisation the WGSL kernel does not
// provide yet, so NDT maps run on the HostDevice.
type WgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	pipeline *wgpu.ComputePipeline

	// Serialises submissions and device polling.
	mu sync.Mutex
}

// NewWgpuDevice acquires a GPU. Returns ErrDeviceUnavailable (wrapped)
// when no adapter or device can be created.
func NewWgpuDevice() (*WgpuDevice, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, errors.Wrap(ohm.ErrDeviceUnavailable, err.Error())
	}
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "ohm gpumap device",
	})
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(ohm.ErrDeviceUnavailable, err.Error())
	}

	d := &WgpuDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
	}
	if err := d.buildPipeline(); err != nil {
		d.Release()
		return nil, err
	}
	return d, nil
}

func (d *WgpuDevice) buildPipeline() error {
	shader, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "region_update",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: regionUpdateWGSL},
	})
	if err != nil {
		return errors.Wrap(ohm.ErrDeviceKernelFailed, err.Error())
	}
	defer shader.Release()

	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: "region_update",
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shader,
			EntryPoint: "main",
		},
	})
	if err != nil {
		return errors.Wrap(ohm.ErrDeviceKernelFailed, err.Error())
	}
	d.pipeline = pipeline
	return nil
}

func (d *WgpuDevice) Name() string {
	return "wgpu"
}

// Release frees the device objects. In-flight work is waited out first.
func (d *WgpuDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline != nil {
		d.pipeline.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
}

type wgpuBuffer struct {
	dev    *WgpuDevice
	buffer *wgpu.Buffer
	size   int
}

// CreateBuffer allocates storage usable by the update kernel and both
// copy directions.
func (d *WgpuDevice) CreateBuffer(size int) (Buffer, error) {
	buffer, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "ohm cache",
		Size:  uint64(size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, errors.Wrap(ohm.ErrDeviceUnavailable, err.Error())
	}
	return &wgpuBuffer{dev: d, buffer: buffer, size: size}, nil
}

func (b *wgpuBuffer) Size() int { return b.size }

func (b *wgpuBuffer) Upload(offset int, data []byte) Event {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	// WriteBuffer stages through the queue's transfer ring; the data is
	// consumed before return, matching the pinned-write contract.
	b.dev.queue.WriteBuffer(b.buffer, uint64(offset), data)
	return CompletedEvent()
}

func (b *wgpuBuffer) Download(offset int, data []byte) Event {
	event := newHostEvent()
	go func() {
		defer close(event.done)
		b.dev.mu.Lock()
		defer b.dev.mu.Unlock()

		staging, err := b.dev.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "ohm readback",
			Size:  uint64(len(data)),
			Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return
		}
		defer staging.Release()

		encoder, err := b.dev.device.CreateCommandEncoder(nil)
		if err != nil {
			return
		}
		encoder.CopyBufferToBuffer(b.buffer, uint64(offset), staging, 0, uint64(len(data)))
		cmd, err := encoder.Finish(nil)
		if err != nil {
			return
		}
		b.dev.queue.Submit(cmd)

		done := false
		staging.MapAsync(wgpu.MapModeRead, 0, uint64(len(data)), func(status wgpu.BufferMapAsyncStatus) {
			done = status == wgpu.BufferMapAsyncStatusSuccess
		})
		b.dev.device.Poll(true, nil)
		if done {
			copy(data, staging.GetMappedRange(0, uint(len(data))))
			staging.Unmap()
		}
	}()
	return event
}

func (b *wgpuBuffer) Release() {
	b.buffer.Release()
}

// EnqueueKernel dispatches the region update shader, one invocation per
// ray.
func (d *WgpuDevice) EnqueueKernel(id KernelID, params KernelParams, buffers KernelBuffers, waits []Event) (Event, error) {
	if id != KernelRegionUpdate {
		return nil, errors.Wrapf(ohm.ErrDeviceKernelFailed, "kernel %d not supported on wgpu", id)
	}

	event := newHostEvent()
	go func() {
		defer close(event.done)
		WaitAll(waits)

		d.mu.Lock()
		defer d.mu.Unlock()

		uniform := encodeKernelParams(params)
		uniformBuf, err := d.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
			Label:    "ohm params",
			Contents: uniform,
			Usage:    wgpu.BufferUsageUniform,
		})
		if err != nil {
			return
		}
		defer uniformBuf.Release()

		layout := d.pipeline.GetBindGroupLayout(0)
		defer layout.Release()
		bindGroup, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: layout,
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: uniformBuf, Size: wgpu.WholeSize},
				{Binding: 1, Buffer: buffers.Occupancy.(*wgpuBuffer).buffer, Size: wgpu.WholeSize},
				{Binding: 2, Buffer: buffers.OccupancyOffsets.(*wgpuBuffer).buffer, Size: wgpu.WholeSize},
				{Binding: 3, Buffer: buffers.RegionKeys.(*wgpuBuffer).buffer, Size: wgpu.WholeSize},
				{Binding: 4, Buffer: buffers.RayKeys.(*wgpuBuffer).buffer, Size: wgpu.WholeSize},
				{Binding: 5, Buffer: buffers.Rays.(*wgpuBuffer).buffer, Size: wgpu.WholeSize},
			},
		})
		if err != nil {
			return
		}
		defer bindGroup.Release()

		encoder, err := d.device.CreateCommandEncoder(nil)
		if err != nil {
			return
		}
		pass := encoder.BeginComputePass(nil)
		pass.SetPipeline(d.pipeline)
		pass.SetBindGroup(0, bindGroup, nil)
		const workgroupSize = 64
		pass.DispatchWorkgroups((params.RayCount+workgroupSize-1)/workgroupSize, 1, 1)
		pass.End()
		cmd, err := encoder.Finish(nil)
		if err != nil {
			return
		}
		d.queue.Submit(cmd)
		d.device.Poll(true, nil)
	}()
	return event, nil
}

// InsertBarrier orders against all prior submissions. The wgpu queue is
// already FIFO; the barrier simply waits out the device.
func (d *WgpuDevice) InsertBarrier() Event {
	event := newHostEvent()
	go func() {
		defer close(event.done)
		d.mu.Lock()
		defer d.mu.Unlock()
		d.device.Poll(true, nil)
	}()
	return event
}
