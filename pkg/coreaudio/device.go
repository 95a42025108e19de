package coreaudio

import (
	"errors"
	"log"
)

// Device is the stable outward-facing handle an audio device manager holds.
// It wraps one deviceCore, or two when distinct input and output devices are
// combined into one logical duplex device.
type Device struct {
	name        string
	inputIndex  int
	outputIndex int

	registry *DeviceType
	core     *deviceCore

	isOpen    bool
	isStarted bool
	lastError string
}

// newDevice builds the core (and slave core, when the input and output names
// resolve to different devices) for one logical device.
func newDevice(registry *DeviceType, name string, inputID DeviceID, inputIndex int,
	outputID DeviceID, outputIndex int) (*Device, error) {

	d := &Device{
		name:        name,
		inputIndex:  inputIndex,
		outputIndex: outputIndex,
		registry:    registry,
	}

	if outputID == 0 || outputID == inputID {
		core := newDeviceCore(registry.hal, inputID)
		d.lastError = core.lastError
		if d.lastError != "" {
			core.close()
			return nil, errors.New(d.lastError)
		}
		d.core = core
	} else {
		core := newDeviceCore(registry.hal, outputID)
		d.lastError = core.lastError
		if d.lastError != "" {
			core.close()
			return nil, errors.New(d.lastError)
		}
		d.core = core

		if inputID != 0 {
			second := newDeviceCore(registry.hal, inputID)
			if second.lastError != "" {
				// Keep the master; the device is output-only.
				log.Printf("CoreAudio: input device %d failed (%s), continuing output-only", inputID, second.lastError)
				second.close()
			} else {
				second.isSlave = true
				core.slave = second
			}
		}
	}

	return d, nil
}

// Name returns the logical device name.
func (d *Device) Name() string { return d.name }

// InputChannelNames returns the physical input channel names, preferring the
// slave device's when two devices are combined.
func (d *Device) InputChannelNames() []string {
	if d.core == nil {
		return nil
	}
	if d.core.slave != nil {
		return d.core.slave.inputNames()
	}
	return d.core.inputNames()
}

// OutputChannelNames returns the physical output channel names.
func (d *Device) OutputChannelNames() []string {
	if d.core == nil {
		return nil
	}
	return d.core.outputNames()
}

// SampleRates returns the available nominal sample rates. Non-empty whenever
// the device is open.
func (d *Device) SampleRates() []float64 {
	if d.core == nil {
		return nil
	}
	return d.core.rates()
}

// BufferSizes returns the available buffer sizes in frames.
func (d *Device) BufferSizes() []int {
	if d.core == nil {
		return nil
	}
	return d.core.sizes()
}

// DefaultBufferSize returns the smallest available size of at least 512
// frames, or 512 when none qualifies.
func (d *Device) DefaultBufferSize() int {
	for _, size := range d.BufferSizes() {
		if size >= 512 {
			return size
		}
	}
	return 512
}

// Open reconfigures the device. A bufferSize of zero or less substitutes the
// default. The returned error, if any, is also retained as LastError.
func (d *Device) Open(inputChans, outputChans ChannelMask, sampleRate float64, bufferSize int) error {
	if d.core == nil {
		return errors.New("device has been released")
	}

	d.isOpen = true

	if bufferSize <= 0 {
		bufferSize = d.DefaultBufferSize()
	}

	d.lastError = d.core.reopen(inputChans, outputChans, sampleRate, bufferSize)
	if d.lastError != "" {
		return errors.New(d.lastError)
	}
	return nil
}

// Close marks the device closed. It does not stop a running stream; call
// Stop separately.
func (d *Device) Close() {
	d.isOpen = false
}

// IsOpen reports whether the device has been opened and not yet closed.
func (d *Device) IsOpen() bool { return d.isOpen }

// Start binds the callback and starts the stream. The client receives
// AudioDeviceAboutToStart before any AudioDeviceIOCallback.
func (d *Device) Start(cb IOCallback) {
	if d.core != nil && !d.isStarted {
		if cb != nil {
			cb.AudioDeviceAboutToStart(d)
		}
		d.isStarted = true
		d.core.start(cb)
	}
}

// Stop unbinds the callback, leaving the interrupt running briefly to drain,
// and issues AudioDeviceStopped exactly once to the last active client. After
// Stop returns no further AudioDeviceIOCallback is delivered.
func (d *Device) Stop() {
	if d.isStarted && d.core != nil {
		lastClient := d.core.currentClient()

		d.isStarted = false
		d.core.stop(true)

		if lastClient != nil {
			lastClient.AudioDeviceStopped()
		}
	}
}

// IsPlaying reports whether a client callback is currently bound and the
// stream started.
func (d *Device) IsPlaying() bool {
	if d.core == nil || d.core.currentClient() == nil {
		d.isStarted = false
	}
	return d.isStarted
}

// CurrentSampleRate returns the sample rate last observed from the OS.
func (d *Device) CurrentSampleRate() float64 {
	if d.core == nil {
		return 0
	}
	return d.core.getSampleRate()
}

// CurrentBufferSizeSamples returns the buffer size in frames last observed
// from the OS.
func (d *Device) CurrentBufferSizeSamples() int {
	if d.core == nil {
		return 512
	}
	return d.core.getBufferSize()
}

// CurrentBitDepth returns the sample depth of the float path.
func (d *Device) CurrentBitDepth() int { return 32 }

// ActiveInputChannels returns the union of the master's and slave's active
// input masks.
func (d *Device) ActiveInputChannels() ChannelMask {
	var chans ChannelMask
	if d.core != nil {
		chans = d.core.activeInputs()
		if d.core.slave != nil {
			chans = chans.Or(d.core.slave.activeInputs())
		}
	}
	return chans
}

// ActiveOutputChannels returns the active output mask.
func (d *Device) ActiveOutputChannels() ChannelMask {
	if d.core == nil {
		return ChannelMask{}
	}
	return d.core.activeOutputs()
}

// OutputLatencySamples estimates the output latency. The device-reported
// figure plus two buffers matches round-trip measurements on the built-in
// hardware to within a few milliseconds.
func (d *Device) OutputLatencySamples() int {
	if d.core == nil {
		return 0
	}
	return d.core.latency(false) + d.core.getBufferSize()*2
}

// InputLatencySamples estimates the input latency.
func (d *Device) InputLatencySamples() int {
	if d.core == nil {
		return 0
	}
	return d.core.latency(true) + d.core.getBufferSize()*2
}

// Sources returns the device's data source names for one direction.
func (d *Device) Sources(input bool) []string {
	if d.core == nil {
		return nil
	}
	return d.core.sources(input)
}

// CurrentSourceIndex returns the index of the active data source in the
// Sources list, or -1.
func (d *Device) CurrentSourceIndex(input bool) int {
	if d.core == nil {
		return -1
	}
	return d.core.currentSourceIndex(input)
}

// SetCurrentSourceIndex selects a data source by its index in the Sources
// list. Out-of-range indices are ignored.
func (d *Device) SetCurrentSourceIndex(index int, input bool) {
	if d.core != nil {
		d.core.setCurrentSourceIndex(index, input)
	}
}

// RelatedDuplexDeviceID returns the id of the first device the OS reports as
// related to this one with a complementary direction: exactly one of the two
// is input-only (input channels and no output channels). An output-only or
// duplex device is paired with an input-only peer; an input-only device with
// any peer that is not input-only. Each candidate is opened briefly to
// probe its channel layout and released again. Returns zero when no peer
// qualifies. A device manager can resolve the returned id against the scan
// tables to build an explicit duplex pair with CreateDevice.
func (d *Device) RelatedDuplexDeviceID() DeviceID {
	if d.core == nil {
		return 0
	}

	peer := d.core.relatedDevice()
	if peer == nil {
		return 0
	}

	id := peer.deviceID
	peer.close()
	return id
}

// LastError returns the most recent error string, empty when the last
// operation succeeded.
func (d *Device) LastError() string { return d.lastError }

// Release stops the stream, removes all listeners and detaches the device
// from its registry. The Device must not be used afterwards.
func (d *Device) Release() {
	if d.registry != nil {
		d.registry.unregisterLive(d)
	}
	if d.core != nil {
		d.core.close()
		d.core = nil
	}
}
