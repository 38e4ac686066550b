package gpumap

import (
	"encoding/binary"
	"math"
)

// encodeKernelParams packs KernelParams into the uniform block layout the
// WGSL shader declares: five 16-byte rows.
func encodeKernelParams(p KernelParams) []byte {
	// Sized to the WGSL Params struct including its trailing padding.
	buf := make([]byte, 80)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(p.RegionDim[0]))
	le.PutUint32(buf[4:], uint32(p.RegionDim[1]))
	le.PutUint32(buf[8:], uint32(p.RegionDim[2]))
	le.PutUint32(buf[12:], math.Float32bits(p.Resolution))
	le.PutUint32(buf[16:], math.Float32bits(p.HitValue))
	le.PutUint32(buf[20:], math.Float32bits(p.MissValue))
	le.PutUint32(buf[24:], math.Float32bits(p.Threshold))
	le.PutUint32(buf[28:], math.Float32bits(p.MinValue))
	le.PutUint32(buf[32:], math.Float32bits(p.MaxValue))
	le.PutUint32(buf[36:], p.Flags)
	le.PutUint32(buf[40:], p.RayCount)
	le.PutUint32(buf[44:], p.RegionCount)
	le.PutUint32(buf[48:], math.Float32bits(p.SensorNoise))
	return buf
}

// regionUpdateWGSL walks each ray's voxels and folds the miss and hit
// log-odds adjustments into the packed occupancy cache. Occupancy floats
// are updated through a compare-exchange loop on their bit patterns so
// concurrent rays through one voxel never lose updates.
const regionUpdateWGSL = `
struct Params {
    region_dim : vec3<i32>,
    resolution : f32,
    hit_value : f32,
    miss_value : f32,
    threshold : f32,
    min_value : f32,
    max_value : f32,
    flags : u32,
    ray_count : u32,
    region_count : u32,
    sensor_noise : f32,
    pad0 : f32,
    pad1 : vec4<f32>,
}

// Flag bits mirror the host RayFlags values.
const FLAG_END_POINT_AS_FREE : u32 = 2u;
const FLAG_STOP_ON_FIRST_OCCUPIED : u32 = 4u;
const FLAG_CLEAR_ONLY : u32 = 8u;
const FLAG_EXCLUDE_SAMPLE : u32 = 16u;

@group(0) @binding(0) var<uniform> params : Params;
@group(0) @binding(1) var<storage, read_write> occupancy : array<atomic<u32>>;
@group(0) @binding(2) var<storage, read> slot_offsets : array<u32>; // u64 as 2xu32
@group(0) @binding(3) var<storage, read> region_keys : array<u32>;  // packed 2xu32 per region
@group(0) @binding(4) var<storage, read> ray_keys : array<u32>;     // 3xu32 per key
@group(0) @binding(5) var<storage, read> rays : array<f32>;         // 6xf32 per ray

struct VKey {
    region : vec3<i32>,
    local : vec3<i32>,
}

fn load_key(index : u32) -> VKey {
    let base = index * 3u;
    let w0 = ray_keys[base];
    let w1 = ray_keys[base + 1u];
    let w2 = ray_keys[base + 2u];
    var key : VKey;
    key.region = vec3<i32>(
        i32(w0 & 0xffffu) << 16u >> 16u,
        i32(w0 >> 16u) << 16u >> 16u,
        i32(w1 & 0xffffu) << 16u >> 16u);
    key.local = vec3<i32>(
        i32(w2 & 0xffu),
        i32((w2 >> 8u) & 0xffu),
        i32((w2 >> 16u) & 0xffu));
    return key;
}

fn find_slot(region : vec3<i32>) -> i32 {
    for (var i = 0u; i < params.region_count; i = i + 1u) {
        let w0 = region_keys[i * 2u];
        let w1 = region_keys[i * 2u + 1u];
        let rx = i32(w0 & 0xffffu) << 16u >> 16u;
        let ry = i32(w0 >> 16u) << 16u >> 16u;
        let rz = i32(w1 & 0xffffu) << 16u >> 16u;
        if (rx == region.x && ry == region.y && rz == region.z) {
            return i32(i);
        }
    }
    return -1;
}

// Returns the voxel's word index into the occupancy array, or -1.
fn voxel_slot(key : VKey) -> i32 {
    let slot = find_slot(key.region);
    if (slot < 0) {
        return -1;
    }
    let byte_offset = slot_offsets[u32(slot) * 2u]; // low word; slots stay below 4 GiB
    let index = key.local.x
        + key.local.y * params.region_dim.x
        + key.local.z * params.region_dim.x * params.region_dim.y;
    return i32(byte_offset / 4u) + index;
}

// Saturating log-odds add via compare-exchange on the float bits.
// Returns the value observed before the update.
fn adjust_voxel(word : i32, adjustment : f32, clear_only : bool) -> f32 {
    var observed : f32;
    loop {
        let old_bits = atomicLoad(&occupancy[word]);
        observed = bitcast<f32>(old_bits);
        var base = observed;
        // +inf marks unobserved.
        if (old_bits == 0x7f800000u) {
            if (clear_only) {
                return observed;
            }
            base = 0.0;
        }
        let next = clamp(base + adjustment, params.min_value, params.max_value);
        let result = atomicCompareExchangeWeak(&occupancy[word], old_bits, bitcast<u32>(next));
        if (result.exchanged) {
            return observed;
        }
    }
}

fn step_key(key : ptr<function, VKey>, axis : i32, dir : i32) {
    var local = (*key).local[axis] + dir;
    if (local < 0) {
        (*key).region[axis] = (*key).region[axis] - 1;
        local = params.region_dim[axis] - 1;
    } else if (local >= params.region_dim[axis]) {
        (*key).region[axis] = (*key).region[axis] + 1;
        local = 0;
    }
    (*key).local[axis] = local;
}

fn keys_equal(a : VKey, b : VKey) -> bool {
    return all(a.region == b.region) && all(a.local == b.local);
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid : vec3<u32>) {
    let ray = gid.x;
    if (ray >= params.ray_count) {
        return;
    }

    var start_key = load_key(ray * 2u);
    let end_key = load_key(ray * 2u + 1u);
    let base = ray * 6u;
    let start_pos = vec3<f32>(rays[base], rays[base + 1u], rays[base + 2u]);
    let end_pos = vec3<f32>(rays[base + 3u], rays[base + 4u], rays[base + 5u]);

    let clear_only = (params.flags & FLAG_CLEAR_ONLY) != 0u;
    var blocked = false;

    if (!keys_equal(start_key, end_key)) {
        var t_max = vec3<f32>(1e30, 1e30, 1e30);
        var t_delta = vec3<f32>(1e30, 1e30, 1e30);
        var step = vec3<i32>(0, 0, 0);
        let dir = (end_pos - start_pos) / params.resolution;
        for (var i = 0; i < 3; i = i + 1) {
            let start_v = start_pos[i] / params.resolution;
            let cell = f32(start_key.region[i] * params.region_dim[i] + start_key.local[i]);
            if (dir[i] > 0.0) {
                step[i] = 1;
                t_max[i] = (cell + 1.0 - start_v) / dir[i];
                t_delta[i] = 1.0 / dir[i];
            } else if (dir[i] < 0.0) {
                step[i] = -1;
                t_max[i] = (cell - start_v) / dir[i];
                t_delta[i] = -1.0 / dir[i];
            }
        }

        var key = start_key;
        // The loop bound is the worst-case voxel count of the segment.
        let limit = i32(ceil(length(dir)) * 1.7320508) + 4;
        for (var iter = 0; iter < limit; iter = iter + 1) {
            if (keys_equal(key, end_key)) {
                break;
            }
            let word = voxel_slot(key);
            if (word >= 0) {
                let before = adjust_voxel(word, params.miss_value, clear_only);
                if ((params.flags & FLAG_STOP_ON_FIRST_OCCUPIED) != 0u &&
                    bitcast<u32>(before) != 0x7f800000u && before >= params.threshold) {
                    blocked = true;
                    break;
                }
            }
            var axis = 0;
            if (t_max.y < t_max[axis]) { axis = 1; }
            if (t_max.z < t_max[axis]) { axis = 2; }
            step_key(&key, axis, step[axis]);
            t_max[axis] = t_max[axis] + t_delta[axis];
        }
    }

    if (blocked || (params.flags & FLAG_EXCLUDE_SAMPLE) != 0u) {
        return;
    }
    var adjustment = params.hit_value;
    if ((params.flags & FLAG_END_POINT_AS_FREE) != 0u) {
        adjustment = params.miss_value;
    }
    let word = voxel_slot(end_key);
    if (word >= 0) {
        adjust_voxel(word, adjustment, clear_only);
    }
}
`
