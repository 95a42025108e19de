//go:build darwin && cgo

package coreaudio

/*
#cgo LDFLAGS: -framework CoreAudio -framework AudioToolbox -framework CoreFoundation

#include <CoreAudio/CoreAudio.h>
#include <CoreFoundation/CoreFoundation.h>
#include <stdlib.h>
#include <string.h>

extern void goDevicePropertyChanged(UInt32 deviceID, UInt32 selector);
extern void goHardwarePropertyChanged(UInt32 selector);
extern void goDeviceIOProc(UInt32 deviceID, AudioBufferList* in, AudioBufferList* out, UInt32 frames);

static OSStatus devicePropertyListener(AudioObjectID objectID,
                                       UInt32 numAddresses,
                                       const AudioObjectPropertyAddress* addresses,
                                       void* clientData) {
    for (UInt32 i = 0; i < numAddresses; i++) {
        goDevicePropertyChanged(objectID, addresses[i].mSelector);
    }
    return noErr;
}

static OSStatus hardwarePropertyListener(AudioObjectID objectID,
                                         UInt32 numAddresses,
                                         const AudioObjectPropertyAddress* addresses,
                                         void* clientData) {
    for (UInt32 i = 0; i < numAddresses; i++) {
        goHardwarePropertyChanged(addresses[i].mSelector);
    }
    return noErr;
}

static OSStatus deviceIOProc(AudioObjectID inDevice,
                             const AudioTimeStamp* inNow,
                             const AudioBufferList* inInputData,
                             const AudioTimeStamp* inInputTime,
                             AudioBufferList* outOutputData,
                             const AudioTimeStamp* inOutputTime,
                             void* inClientData) {
    UInt32 frames = 0;
    if (outOutputData != NULL && outOutputData->mNumberBuffers > 0 &&
        outOutputData->mBuffers[0].mNumberChannels > 0) {
        frames = outOutputData->mBuffers[0].mDataByteSize /
                 (outOutputData->mBuffers[0].mNumberChannels * sizeof(Float32));
    } else if (inInputData != NULL && inInputData->mNumberBuffers > 0 &&
               inInputData->mBuffers[0].mNumberChannels > 0) {
        frames = inInputData->mBuffers[0].mDataByteSize /
                 (inInputData->mBuffers[0].mNumberChannels * sizeof(Float32));
    }
    goDeviceIOProc(inDevice, (AudioBufferList*)inInputData, outOutputData, frames);
    return noErr;
}

static AudioObjectPropertyAddress makeAddress(UInt32 selector, UInt32 scope) {
    AudioObjectPropertyAddress addr = { selector, scope, kAudioObjectPropertyElementMain };
    return addr;
}

static AudioObjectPropertyAddress wildcardAddress(void) {
    AudioObjectPropertyAddress addr = {
        kAudioObjectPropertySelectorWildcard,
        kAudioObjectPropertyScopeWildcard,
        kAudioObjectPropertyElementWildcard
    };
    return addr;
}

static OSStatus addDeviceListener(AudioObjectID id) {
    AudioObjectPropertyAddress addr = wildcardAddress();
    return AudioObjectAddPropertyListener(id, &addr, devicePropertyListener, NULL);
}

static OSStatus removeDeviceListener(AudioObjectID id) {
    AudioObjectPropertyAddress addr = wildcardAddress();
    return AudioObjectRemovePropertyListener(id, &addr, devicePropertyListener, NULL);
}

static OSStatus addSystemListener(void) {
    AudioObjectPropertyAddress addr = wildcardAddress();
    return AudioObjectAddPropertyListener(kAudioObjectSystemObject, &addr, hardwarePropertyListener, NULL);
}

static OSStatus removeSystemListener(void) {
    AudioObjectPropertyAddress addr = wildcardAddress();
    return AudioObjectRemovePropertyListener(kAudioObjectSystemObject, &addr, hardwarePropertyListener, NULL);
}

static OSStatus createIOProc(AudioObjectID id, AudioDeviceIOProcID* procID) {
    return AudioDeviceCreateIOProcID(id, deviceIOProc, NULL, procID);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	scopeGlobal = C.UInt32(C.kAudioObjectPropertyScopeGlobal)
	scopeInput  = C.UInt32(C.kAudioDevicePropertyScopeInput)
	scopeOutput = C.UInt32(C.kAudioDevicePropertyScopeOutput)
)

// coreAudioHAL is the real CoreAudio-backed HAL. The C callbacks carry no Go
// context pointer, so a single package-level instance dispatches to the
// registered Go listeners and procs by device id.
type coreAudioHAL struct {
	mu        sync.Mutex
	listeners map[DeviceID]func(PropertySelector)
	procs     map[DeviceID]IOProc
	procIDs   map[DeviceID]C.AudioDeviceIOProcID
	hardware  func(PropertySelector)
}

var darwinHAL = &coreAudioHAL{
	listeners: make(map[DeviceID]func(PropertySelector)),
	procs:     make(map[DeviceID]IOProc),
	procIDs:   make(map[DeviceID]C.AudioDeviceIOProcID),
}

// NewHAL returns the CoreAudio HAL.
func NewHAL() (HAL, error) {
	return darwinHAL, nil
}

//export goDevicePropertyChanged
func goDevicePropertyChanged(deviceID C.UInt32, selector C.UInt32) {
	darwinHAL.mu.Lock()
	fn := darwinHAL.listeners[DeviceID(deviceID)]
	darwinHAL.mu.Unlock()

	if fn != nil {
		fn(PropertySelector(selector))
	}
}

//export goHardwarePropertyChanged
func goHardwarePropertyChanged(selector C.UInt32) {
	darwinHAL.mu.Lock()
	fn := darwinHAL.hardware
	darwinHAL.mu.Unlock()

	if fn != nil {
		fn(PropertySelector(selector))
	}
}

//export goDeviceIOProc
func goDeviceIOProc(deviceID C.UInt32, in *C.AudioBufferList, out *C.AudioBufferList, frames C.UInt32) {
	darwinHAL.mu.Lock()
	proc := darwinHAL.procs[DeviceID(deviceID)]
	darwinHAL.mu.Unlock()

	if proc != nil {
		proc(bufferListToStreams(in), bufferListToStreams(out))
	}
}

// bufferListToStreams wraps the entries of an AudioBufferList as float32
// slices without copying.
func bufferListToStreams(list *C.AudioBufferList) []StreamBuffer {
	if list == nil {
		return nil
	}

	n := int(list.mNumberBuffers)
	if n == 0 {
		return nil
	}

	// mBuffers is a variable-length trailing array.
	first := unsafe.Pointer(&list.mBuffers[0])
	size := unsafe.Sizeof(list.mBuffers[0])

	out := make([]StreamBuffer, n)
	for i := 0; i < n; i++ {
		buf := (*C.AudioBuffer)(unsafe.Pointer(uintptr(first) + uintptr(i)*size))
		numFloats := int(buf.mDataByteSize) / 4
		var data []float32
		if buf.mData != nil && numFloats > 0 {
			data = unsafe.Slice((*float32)(buf.mData), numFloats)
		}
		out[i] = StreamBuffer{Channels: int(buf.mNumberChannels), Data: data}
	}
	return out
}

func osError(op string, status C.OSStatus) error {
	return fmt.Errorf("%s failed: OSStatus %#x", op, uint32(status))
}

func getPropertySize(id DeviceID, selector PropertySelector, scope C.UInt32) (C.UInt32, error) {
	addr := C.makeAddress(C.UInt32(selector), scope)
	var size C.UInt32
	if status := C.AudioObjectGetPropertyDataSize(C.AudioObjectID(id), &addr, 0, nil, &size); status != C.noErr {
		return 0, osError("AudioObjectGetPropertyDataSize", status)
	}
	return size, nil
}

func getProperty(id DeviceID, selector PropertySelector, scope C.UInt32, size C.UInt32, data unsafe.Pointer) error {
	addr := C.makeAddress(C.UInt32(selector), scope)
	ioSize := size
	if status := C.AudioObjectGetPropertyData(C.AudioObjectID(id), &addr, 0, nil, &ioSize, data); status != C.noErr {
		return osError("AudioObjectGetPropertyData", status)
	}
	return nil
}

func setProperty(id DeviceID, selector PropertySelector, scope C.UInt32, size C.UInt32, data unsafe.Pointer) error {
	addr := C.makeAddress(C.UInt32(selector), scope)
	if status := C.AudioObjectSetPropertyData(C.AudioObjectID(id), &addr, 0, nil, size, data); status != C.noErr {
		return osError("AudioObjectSetPropertyData", status)
	}
	return nil
}

func directionScope(input bool) C.UInt32 {
	if input {
		return scopeInput
	}
	return scopeOutput
}

const (
	selDevices            = PropertySelector(C.kAudioHardwarePropertyDevices)
	selDefaultInput       = PropertySelector(C.kAudioHardwarePropertyDefaultInputDevice)
	selDefaultOutput      = PropertySelector(C.kAudioHardwarePropertyDefaultOutputDevice)
	selDeviceNameCFString = PropertySelector(C.kAudioDevicePropertyDeviceNameCFString)
	selStreamConfig       = PropertySelector(C.kAudioDevicePropertyStreamConfiguration)
	selAvailableRates     = PropertySelector(C.kAudioDevicePropertyAvailableNominalSampleRates)
	selFrameSizeRange     = PropertySelector(C.kAudioDevicePropertyBufferFrameSizeRange)
	selLatency            = PropertySelector(C.kAudioDevicePropertyLatency)
	selRelatedDevices     = PropertySelector(C.kAudioDevicePropertyRelatedDevices)
	selDataSources        = PropertySelector(C.kAudioDevicePropertyDataSources)
	selDataSourceNameCF   = PropertySelector(C.kAudioDevicePropertyDataSourceNameForIDCFString)
)

func (h *coreAudioHAL) Devices() ([]DeviceID, error) {
	size, err := getPropertySize(DeviceID(C.kAudioObjectSystemObject), selDevices, scopeGlobal)
	if err != nil {
		return nil, err
	}

	count := int(size) / int(unsafe.Sizeof(C.AudioObjectID(0)))
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.AudioObjectID, count)
	if err := getProperty(DeviceID(C.kAudioObjectSystemObject), selDevices, scopeGlobal, size, unsafe.Pointer(&ids[0])); err != nil {
		return nil, err
	}

	out := make([]DeviceID, 0, count)
	for _, id := range ids {
		out = append(out, DeviceID(id))
	}
	return out, nil
}

func (h *coreAudioHAL) DeviceName(id DeviceID) (string, error) {
	var name C.CFStringRef
	size := C.UInt32(unsafe.Sizeof(name))
	if err := getProperty(id, selDeviceNameCFString, scopeGlobal, size, unsafe.Pointer(&name)); err != nil {
		return "", err
	}
	defer C.CFRelease(C.CFTypeRef(unsafe.Pointer(name)))

	return cfStringToGo(name), nil
}

func cfStringToGo(s C.CFStringRef) string {
	if s == nil {
		return ""
	}

	length := C.CFStringGetLength(s)
	maxSize := C.CFStringGetMaximumSizeForEncoding(length, C.kCFStringEncodingUTF8) + 1
	buf := make([]C.char, maxSize)
	if C.CFStringGetCString(s, &buf[0], maxSize, C.kCFStringEncodingUTF8) == 0 {
		return ""
	}
	return C.GoString(&buf[0])
}

func (h *coreAudioHAL) DefaultDevice(forInput bool) (DeviceID, error) {
	selector := selDefaultOutput
	if forInput {
		selector = selDefaultInput
	}

	var id C.AudioObjectID
	if err := getProperty(DeviceID(C.kAudioObjectSystemObject), selector, scopeGlobal,
		C.UInt32(unsafe.Sizeof(id)), unsafe.Pointer(&id)); err != nil {
		return 0, err
	}
	return DeviceID(id), nil
}

func (h *coreAudioHAL) StreamConfiguration(id DeviceID, input bool) ([]int, error) {
	scope := directionScope(input)

	size, err := getPropertySize(id, selStreamConfig, scope)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	raw := C.malloc(C.size_t(size))
	if raw == nil {
		return nil, fmt.Errorf("out of memory")
	}
	defer C.free(raw)

	if err := getProperty(id, selStreamConfig, scope, size, raw); err != nil {
		return nil, err
	}

	list := (*C.AudioBufferList)(raw)
	streams := bufferListToStreams(list)
	out := make([]int, len(streams))
	for i, s := range streams {
		out[i] = s.Channels
	}
	return out, nil
}

func (h *coreAudioHAL) NominalSampleRate(id DeviceID) (float64, error) {
	var rate C.Float64
	if err := getProperty(id, selNominalSampleRate, scopeGlobal,
		C.UInt32(unsafe.Sizeof(rate)), unsafe.Pointer(&rate)); err != nil {
		return 0, err
	}
	return float64(rate), nil
}

func (h *coreAudioHAL) SetNominalSampleRate(id DeviceID, input bool, rate float64) error {
	v := C.Float64(rate)
	return setProperty(id, selNominalSampleRate, directionScope(input),
		C.UInt32(unsafe.Sizeof(v)), unsafe.Pointer(&v))
}

func (h *coreAudioHAL) AvailableSampleRates(id DeviceID) ([]Range, error) {
	return h.valueRanges(id, selAvailableRates)
}

func (h *coreAudioHAL) BufferFrameSize(id DeviceID) (int, error) {
	var frames C.UInt32
	if err := getProperty(id, selBufferFrameSize, scopeGlobal,
		C.UInt32(unsafe.Sizeof(frames)), unsafe.Pointer(&frames)); err != nil {
		return 0, err
	}
	return int(frames), nil
}

func (h *coreAudioHAL) SetBufferFrameSize(id DeviceID, input bool, frames int) error {
	v := C.UInt32(frames)
	return setProperty(id, selBufferFrameSize, directionScope(input),
		C.UInt32(unsafe.Sizeof(v)), unsafe.Pointer(&v))
}

func (h *coreAudioHAL) BufferFrameSizeRange(id DeviceID) ([]Range, error) {
	return h.valueRanges(id, selFrameSizeRange)
}

func (h *coreAudioHAL) valueRanges(id DeviceID, selector PropertySelector) ([]Range, error) {
	size, err := getPropertySize(id, selector, scopeGlobal)
	if err != nil {
		return nil, err
	}

	count := int(size) / int(unsafe.Sizeof(C.AudioValueRange{}))
	if count == 0 {
		return nil, nil
	}

	ranges := make([]C.AudioValueRange, count)
	if err := getProperty(id, selector, scopeGlobal, size, unsafe.Pointer(&ranges[0])); err != nil {
		return nil, err
	}

	out := make([]Range, count)
	for i, r := range ranges {
		out[i] = Range{Min: float64(r.mMinimum), Max: float64(r.mMaximum)}
	}
	return out, nil
}

func (h *coreAudioHAL) Latency(id DeviceID, input bool) (int, error) {
	var latency C.UInt32
	if err := getProperty(id, selLatency, directionScope(input),
		C.UInt32(unsafe.Sizeof(latency)), unsafe.Pointer(&latency)); err != nil {
		return 0, err
	}
	return int(latency), nil
}

func (h *coreAudioHAL) DeviceIsRunning(id DeviceID) (bool, error) {
	var running C.UInt32
	if err := getProperty(id, selDeviceIsRunning, scopeGlobal,
		C.UInt32(unsafe.Sizeof(running)), unsafe.Pointer(&running)); err != nil {
		return false, err
	}
	return running != 0, nil
}

func (h *coreAudioHAL) RelatedDevices(id DeviceID) ([]DeviceID, error) {
	size, err := getPropertySize(id, selRelatedDevices, scopeGlobal)
	if err != nil {
		return nil, err
	}

	count := int(size) / int(unsafe.Sizeof(C.AudioObjectID(0)))
	if count == 0 {
		return nil, nil
	}

	ids := make([]C.AudioObjectID, count)
	if err := getProperty(id, selRelatedDevices, scopeGlobal, size, unsafe.Pointer(&ids[0])); err != nil {
		return nil, err
	}

	out := make([]DeviceID, 0, count)
	for _, d := range ids {
		out = append(out, DeviceID(d))
	}
	return out, nil
}

func (h *coreAudioHAL) DataSources(id DeviceID, input bool) ([]uint32, error) {
	scope := directionScope(input)

	size, err := getPropertySize(id, selDataSources, scope)
	if err != nil {
		return nil, err
	}

	count := int(size) / 4
	if count == 0 {
		return nil, nil
	}

	types := make([]C.UInt32, count)
	if err := getProperty(id, selDataSources, scope, size, unsafe.Pointer(&types[0])); err != nil {
		return nil, err
	}

	out := make([]uint32, count)
	for i, t := range types {
		out[i] = uint32(t)
	}
	return out, nil
}

func (h *coreAudioHAL) DataSourceName(id DeviceID, input bool, source uint32) (string, error) {
	src := C.UInt32(source)
	var name C.CFStringRef

	var translation C.AudioValueTranslation
	translation.mInputData = unsafe.Pointer(&src)
	translation.mInputDataSize = C.UInt32(unsafe.Sizeof(src))
	translation.mOutputData = unsafe.Pointer(&name)
	translation.mOutputDataSize = C.UInt32(unsafe.Sizeof(name))

	if err := getProperty(id, selDataSourceNameCF, directionScope(input),
		C.UInt32(unsafe.Sizeof(translation)), unsafe.Pointer(&translation)); err != nil {
		return "", err
	}
	defer C.CFRelease(C.CFTypeRef(unsafe.Pointer(name)))

	return cfStringToGo(name), nil
}

func (h *coreAudioHAL) CurrentDataSource(id DeviceID, input bool) (uint32, error) {
	var source C.UInt32
	if err := getProperty(id, selDataSource, directionScope(input),
		C.UInt32(unsafe.Sizeof(source)), unsafe.Pointer(&source)); err != nil {
		return 0, err
	}
	return uint32(source), nil
}

func (h *coreAudioHAL) SetDataSource(id DeviceID, input bool, source uint32) error {
	v := C.UInt32(source)
	return setProperty(id, selDataSource, directionScope(input),
		C.UInt32(unsafe.Sizeof(v)), unsafe.Pointer(&v))
}

func (h *coreAudioHAL) AddIOProc(id DeviceID, proc IOProc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.procs[id]; exists {
		return fmt.Errorf("device %d already has an I/O proc", id)
	}

	var procID C.AudioDeviceIOProcID
	if status := C.createIOProc(C.AudioObjectID(id), &procID); status != C.noErr {
		return osError("AudioDeviceCreateIOProcID", status)
	}

	h.procs[id] = proc
	h.procIDs[id] = procID
	return nil
}

func (h *coreAudioHAL) RemoveIOProc(id DeviceID) error {
	h.mu.Lock()
	procID, exists := h.procIDs[id]
	delete(h.procs, id)
	delete(h.procIDs, id)
	h.mu.Unlock()

	if !exists {
		return fmt.Errorf("device %d has no I/O proc", id)
	}

	if status := C.AudioDeviceDestroyIOProcID(C.AudioObjectID(id), procID); status != C.noErr {
		return osError("AudioDeviceDestroyIOProcID", status)
	}
	return nil
}

func (h *coreAudioHAL) StartDevice(id DeviceID) error {
	h.mu.Lock()
	procID, exists := h.procIDs[id]
	h.mu.Unlock()

	if !exists {
		return fmt.Errorf("device %d has no I/O proc", id)
	}

	if status := C.AudioDeviceStart(C.AudioObjectID(id), procID); status != C.noErr {
		return osError("AudioDeviceStart", status)
	}
	return nil
}

func (h *coreAudioHAL) StopDevice(id DeviceID) error {
	h.mu.Lock()
	procID, exists := h.procIDs[id]
	h.mu.Unlock()

	if !exists {
		return fmt.Errorf("device %d has no I/O proc", id)
	}

	if status := C.AudioDeviceStop(C.AudioObjectID(id), procID); status != C.noErr {
		return osError("AudioDeviceStop", status)
	}
	return nil
}

func (h *coreAudioHAL) AddPropertyListener(id DeviceID, fn func(PropertySelector)) error {
	h.mu.Lock()
	h.listeners[id] = fn
	h.mu.Unlock()

	if status := C.addDeviceListener(C.AudioObjectID(id)); status != C.noErr {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
		return osError("AudioObjectAddPropertyListener", status)
	}
	return nil
}

func (h *coreAudioHAL) RemovePropertyListener(id DeviceID) error {
	// Drop the C listener first so no notification can race the map delete.
	status := C.removeDeviceListener(C.AudioObjectID(id))

	h.mu.Lock()
	delete(h.listeners, id)
	h.mu.Unlock()

	if status != C.noErr {
		return osError("AudioObjectRemovePropertyListener", status)
	}
	return nil
}

func (h *coreAudioHAL) AddHardwareListener(fn func(PropertySelector)) error {
	h.mu.Lock()
	h.hardware = fn
	h.mu.Unlock()

	if status := C.addSystemListener(); status != C.noErr {
		h.mu.Lock()
		h.hardware = nil
		h.mu.Unlock()
		return osError("AudioObjectAddPropertyListener", status)
	}
	return nil
}

func (h *coreAudioHAL) RemoveHardwareListener() error {
	status := C.removeSystemListener()

	h.mu.Lock()
	h.hardware = nil
	h.mu.Unlock()

	if status != C.noErr {
		return osError("AudioObjectRemovePropertyListener", status)
	}
	return nil
}
