package gpumap

import (
	"container/list"
	"sync"

	"github.com/pkg/errors"

	"github.com/fabioruetz/ohm"
)

// slotState tracks a cache slot through its lifecycle. The in-flight flag
// is orthogonal: it is set while any device operation references the slot.
type slotState int

const (
	slotEmpty slotState = iota
	slotClean
	slotDirty
)

type cacheSlot struct {
	region     [3]int16
	state      slotState
	inFlight   bool
	event      Event
	batchStamp uint32
	generation uint64
	lruEntry   *list.Element
	// Set when the host chunk was destroyed while the slot was in
	// flight; the slot is reclaimed once its event completes.
	doomed bool
}

// LayerCache mirrors one map layer's chunk buffers into a single packed
// device buffer divided into fixed-size slots. The mutex guards the state
// tables only; device buffer contents are ordered by the device queue and
// the event graph.
type LayerCache struct {
	device     Device
	m          *ohm.OccupancyMap
	layerIndex int

	chunkByteSize int
	buffer        Buffer

	mu          sync.Mutex
	slots       []cacheSlot
	slotByKey   map[[3]int16]int
	lru         *list.List // front = most recent
	generation  uint64
	batchMarker uint32
}

// NewLayerCache builds a cache of slotCount slots for the given layer.
func NewLayerCache(device Device, m *ohm.OccupancyMap, layerIndex, slotCount int) (*LayerCache, error) {
	if slotCount < 1 {
		return nil, errors.Wrap(ohm.ErrBadArgument, "cache needs at least one slot")
	}
	layer := m.Layout().Layer(layerIndex)
	chunkBytes := layer.LayerByteSize(m.RegionDimensions())
	buffer, err := device.CreateBuffer(chunkBytes * slotCount)
	if err != nil {
		return nil, err
	}
	cache := &LayerCache{
		device:        device,
		m:             m,
		layerIndex:    layerIndex,
		chunkByteSize: chunkBytes,
		buffer:        buffer,
		slots:         make([]cacheSlot, slotCount),
		slotByKey:     make(map[[3]int16]int, slotCount),
		lru:           list.New(),
		batchMarker:   1, // odd cycle, never zero
	}
	m.OnChunkRemoved(cache.invalidateRegion)
	return cache, nil
}

// LayerIndex returns the map layer this cache mirrors.
func (c *LayerCache) LayerIndex() int { return c.layerIndex }

// Buffer returns the packed device buffer shared by all slots.
func (c *LayerCache) Buffer() Buffer { return c.buffer }

// SlotCount returns the cache capacity in regions.
func (c *LayerCache) SlotCount() int { return len(c.slots) }

// ChunkByteSize returns the per-slot byte size.
func (c *LayerCache) ChunkByteSize() int { return c.chunkByteSize }

// SlotOffset returns the byte offset of a slot in the packed buffer.
func (c *LayerCache) SlotOffset(slot int) uint64 {
	return uint64(slot) * uint64(c.chunkByteSize)
}

// BatchMarker returns the current batch stamp.
func (c *LayerCache) BatchMarker() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchMarker
}

// BeginBatch rotates the batch marker and returns the new value. Uploads
// and uses after this call are stamped with the new marker.
func (c *LayerCache) BeginBatch() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked()
	c.batchMarker += 2
	return c.batchMarker
}

// SyncBatchMarker aligns this cache's marker with another cache's, so all
// layer caches of one integrator share batch stamps.
func (c *LayerCache) SyncBatchMarker(marker uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked()
	c.batchMarker = marker
}

// reapLocked clears in-flight flags whose events have completed and frees
// doomed slots.
func (c *LayerCache) reapLocked() {
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.inFlight && (slot.event == nil || slot.event.Done()) {
			slot.inFlight = false
			if slot.doomed {
				c.freeSlotLocked(i)
			}
		}
	}
}

func (c *LayerCache) freeSlotLocked(i int) {
	slot := &c.slots[i]
	delete(c.slotByKey, slot.region)
	if slot.lruEntry != nil {
		c.lru.Remove(slot.lruEntry)
	}
	*slot = cacheSlot{state: slotEmpty}
}

// invalidateRegion drops the slot mirroring a destroyed chunk. In-flight
// slots are deferred until their event completes.
func (c *LayerCache) invalidateRegion(region [3]int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, ok := c.slotByKey[region]
	if !ok {
		return
	}
	if c.slots[index].inFlight && !eventDone(c.slots[index].event) {
		c.slots[index].doomed = true
		c.slots[index].state = slotClean // nothing to download for a dead chunk
		return
	}
	c.freeSlotLocked(index)
}

func eventDone(e Event) bool {
	return e == nil || e.Done()
}

// EnsureResident returns the slot holding the region's layer data,
// uploading from the host chunk when absent. The slot is promoted to most
// recently used and stamped with the current batch marker. Fails with
// ErrCacheExhausted when no eviction victim is available.
func (c *LayerCache) EnsureResident(region [3]int16) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reapLocked()

	if index, ok := c.slotByKey[region]; ok {
		slot := &c.slots[index]
		if slot.doomed {
			// The mirrored chunk died while the slot was in flight; the
			// slot contents are stale. Wait it out and re-upload.
			if slot.event != nil {
				slot.event.Wait()
			}
			c.freeSlotLocked(index)
		} else {
			slot.batchStamp = c.batchMarker
			c.lru.MoveToFront(slot.lruEntry)
			return index, nil
		}
	}

	index, err := c.claimSlotLocked()
	if err != nil {
		return -1, err
	}

	chunk, err := c.m.Region(region, true)
	if err != nil {
		return -1, err
	}
	slot := &c.slots[index]
	c.generation++
	*slot = cacheSlot{
		region:     region,
		state:      slotClean,
		batchStamp: c.batchMarker,
		generation: c.generation,
	}
	slot.lruEntry = c.lru.PushFront(index)
	c.slotByKey[region] = index

	// Upload initial contents from the host chunk. The event keeps the
	// slot in flight until the copy completes.
	slot.event = c.buffer.Upload(int(c.SlotOffset(index)), chunk.VoxelBuffer(c.layerIndex))
	slot.inFlight = true
	return index, nil
}

// claimSlotLocked finds an empty slot or evicts the least recently used
// eligible one.
func (c *LayerCache) claimSlotLocked() (int, error) {
	for i := range c.slots {
		if c.slots[i].state == slotEmpty && c.slots[i].lruEntry == nil {
			return i, nil
		}
	}

	// Walk from the LRU tail. Slots stamped with the current marker
	// belong to the batch being assembled: their offsets are already
	// recorded, so they are pinned alongside in-flight slots. Among
	// candidates of equal recency stamp the older generation evicts
	// first.
	victim := -1
	for entry := c.lru.Back(); entry != nil; entry = entry.Prev() {
		index := entry.Value.(int)
		slot := &c.slots[index]
		if slot.batchStamp == c.batchMarker {
			continue
		}
		if slot.inFlight && !eventDone(slot.event) {
			continue
		}
		if victim < 0 {
			victim = index
			continue
		}
		best := &c.slots[victim]
		if slot.batchStamp != best.batchStamp {
			break // strictly older recency already found
		}
		if slot.generation < best.generation {
			victim = index
		}
	}
	if victim < 0 {
		return -1, errors.Wrap(ohm.ErrCacheExhausted, "all slots in flight")
	}

	slot := &c.slots[victim]
	slot.inFlight = false
	if slot.state == slotDirty {
		// Dirty victims reach the host before their storage is reused.
		if err := c.downloadSlotLocked(victim, true); err != nil {
			return -1, err
		}
	}
	c.freeSlotLocked(victim)
	return victim, nil
}

// downloadSlotLocked copies a slot's device bytes back into its host
// chunk. With wait set the call blocks until the copy completes.
func (c *LayerCache) downloadSlotLocked(index int, wait bool) error {
	slot := &c.slots[index]
	if slot.doomed {
		slot.state = slotClean
		return nil
	}
	chunk, err := c.m.Region(slot.region, false)
	if err != nil {
		return err
	}
	if chunk == nil {
		slot.state = slotClean
		return nil
	}
	event := c.buffer.Download(int(c.SlotOffset(index)), chunk.VoxelBuffer(c.layerIndex))
	slot.state = slotClean
	if wait {
		event.Wait()
		chunk.TouchLayer(c.layerIndex, c.m.Touch())
		return nil
	}
	slot.event = event
	slot.inFlight = true
	return nil
}

// UpdateEvents associates a completion event with every slot stamped with
// marker, optionally marking them dirty. Called after a kernel submission
// with the kernel's completion event.
func (c *LayerCache) UpdateEvents(marker uint32, event Event, markDirty bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.lruEntry == nil || slot.batchStamp != marker {
			continue
		}
		slot.event = event
		slot.inFlight = true
		if markDirty {
			slot.state = slotDirty
		}
	}
}

// SlotEvent returns the most recent event referencing the region's slot,
// nil when none.
func (c *LayerCache) SlotEvent(region [3]int16) Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index, ok := c.slotByKey[region]; ok {
		return c.slots[index].event
	}
	return nil
}

// Flush downloads the named dirty slots (all dirty slots when regions is
// nil) into their host chunks and waits for completion.
func (c *LayerCache) Flush(regions [][3]int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushOne := func(index int) error {
		slot := &c.slots[index]
		if slot.state != slotDirty {
			return nil
		}
		if slot.event != nil {
			slot.event.Wait()
		}
		slot.inFlight = false
		return c.downloadSlotLocked(index, true)
	}

	if regions != nil {
		for _, region := range regions {
			if index, ok := c.slotByKey[region]; ok {
				if err := flushOne(index); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for i := range c.slots {
		if c.slots[i].lruEntry == nil {
			continue
		}
		if err := flushOne(i); err != nil {
			return err
		}
	}
	c.reapLocked()
	return nil
}

// PendingEvents appends every in-flight event to events and returns it.
func (c *LayerCache) PendingEvents(events []Event) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		if c.slots[i].inFlight && c.slots[i].event != nil {
			events = append(events, c.slots[i].event)
		}
	}
	return events
}

// Release waits out in-flight work and frees the device buffer.
func (c *LayerCache) Release() {
	c.mu.Lock()
	for i := range c.slots {
		if c.slots[i].event != nil {
			c.slots[i].event.Wait()
		}
	}
	c.mu.Unlock()
	c.buffer.Release()
}
