package coreaudio

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Candidate nominal sample rates. A device rate is offered only if it falls
// within one of the HAL-reported ranges, with 2 Hz of slack.
var possibleSampleRates = []float64{44100, 48000, 88200, 96000, 176400, 192000}

const (
	refreshDebounce    = 100 * time.Millisecond
	reopenPollAttempts = 30
	reopenPollInterval = 100 * time.Millisecond
	stopPollAttempts   = 40
	stopPollInterval   = 50 * time.Millisecond
)

// channelRouting locates one active logical channel inside the OS buffer
// layout: within buffer-list entry streamNum, its samples begin at
// dataOffsetSamples and advance by dataStrideSamples per frame. A zero
// stride marks the entry invalid.
type channelRouting struct {
	sourceChannelNum  int
	streamNum         int
	dataOffsetSamples int
	dataStrideSamples int
}

// deviceCore owns all per-device state for one physical device, mediates
// every HAL property read/write and runs the realtime I/O path. When two
// physical devices are combined, the output one is the master and drives the
// I/O proc; the input one is the slave, whose capture buffers are read from
// the master's proc on the master's clock.
type deviceCore struct {
	hal      HAL
	deviceID DeviceID

	lastError string

	inputLatency  int
	outputLatency int

	slave   *deviceCore
	isSlave bool

	// callbackLock guards everything the audio callback touches: client,
	// callbacksAllowed, the channel counts, routings, temp buffers, the
	// name/rate/size tables and bufferSize itself. Reconfiguration paths
	// hold it as briefly as possible.
	callbackLock     sync.Mutex
	client           IOCallback
	callbacksAllowed bool
	started          bool

	sampleRate  float64
	bufferSize  int
	sampleRates []float64
	bufferSizes []int

	activeInputChans  ChannelMask
	activeOutputChans ChannelMask
	inChanNames       []string
	outChanNames      []string

	audioBuffer       []float32
	numInputChans     int
	numOutputChans    int
	numInputRoutings  int
	numOutputRoutings int
	inputRouting      [MaxChannels]channelRouting
	outputRouting     [MaxChannels]channelRouting
	tempInputBuffers  [MaxChannels][]float32
	tempOutputBuffers [MaxChannels][]float32

	timerMu      sync.Mutex
	refreshTimer *time.Timer
}

// newDeviceCore opens a device by id. If the id is invalid the core is inert:
// lastError is set and every operation is a no-op.
func newDeviceCore(hal HAL, id DeviceID) *deviceCore {
	c := &deviceCore{
		hal:              hal,
		deviceID:         id,
		bufferSize:       512,
		callbacksAllowed: true,
	}

	if id == 0 {
		c.lastError = "can't open device"
		return c
	}

	c.refreshFromOS()

	if err := hal.AddPropertyListener(id, c.propertyChanged); err != nil {
		log.Printf("CoreAudio: failed to add property listener for device %d: %v", id, err)
	}

	return c
}

// close removes the property listener strictly before tearing anything else
// down, so no notification can arrive for a dying core.
func (c *deviceCore) close() {
	if c.deviceID != 0 {
		if err := c.hal.RemovePropertyListener(c.deviceID); err != nil {
			log.Printf("CoreAudio: failed to remove property listener for device %d: %v", c.deviceID, err)
		}
	}

	c.stopRefreshTimer()
	c.stop(false)

	c.callbackLock.Lock()
	c.audioBuffer = nil
	c.callbackLock.Unlock()

	if c.slave != nil {
		c.slave.close()
		c.slave = nil
	}
}

// setTempBufferSize repartitions the shared audio buffer into per-channel
// non-overlapping views. Caller holds callbackLock.
func (c *deviceCore) setTempBufferSize(numChannels, numSamples int) {
	// The 32-slot head is padding for cache alignment.
	c.audioBuffer = make([]float32, 32+numChannels*numSamples)

	for i := range c.tempInputBuffers {
		c.tempInputBuffers[i] = nil
		c.tempOutputBuffers[i] = nil
	}

	count := 0
	for i := 0; i < c.numInputChans && i < MaxChannels; i++ {
		off := 32 + count*numSamples
		c.tempInputBuffers[i] = c.audioBuffer[off : off+numSamples : off+numSamples]
		count++
	}
	for i := 0; i < c.numOutputChans && i < MaxChannels; i++ {
		off := 32 + count*numSamples
		c.tempOutputBuffers[i] = c.audioBuffer[off : off+numSamples : off+numSamples]
		count++
	}
}

// fillInChannelInfo walks the stream configuration for one direction,
// appending a name for every physical channel and a routing entry for every
// active one. Caller holds callbackLock.
func (c *deviceCore) fillInChannelInfo(input bool) {
	streams, err := c.hal.StreamConfiguration(c.deviceID, input)
	if err != nil {
		log.Printf("CoreAudio: stream configuration read failed for device %d: %v", c.deviceID, err)
		return
	}

	chanNum := 0
	activeChans := 0

	for streamNum, numChans := range streams {
		for j := 0; j < numChans; j++ {
			if input {
				if c.activeInputChans.IsSet(chanNum) && activeChans < MaxChannels {
					c.inputRouting[activeChans] = channelRouting{
						sourceChannelNum:  chanNum,
						streamNum:         streamNum,
						dataOffsetSamples: j,
						dataStrideSamples: numChans,
					}
					activeChans++
					c.numInputRoutings = activeChans
				}
				c.inChanNames = append(c.inChanNames, fmt.Sprintf("input %d", chanNum+1))
			} else {
				if c.activeOutputChans.IsSet(chanNum) && activeChans < MaxChannels {
					c.outputRouting[activeChans] = channelRouting{
						sourceChannelNum:  chanNum,
						streamNum:         streamNum,
						dataOffsetSamples: j,
						dataStrideSamples: numChans,
					}
					activeChans++
					c.numOutputRoutings = activeChans
				}
				c.outChanNames = append(c.outChanNames, fmt.Sprintf("output %d", chanNum+1))
			}
			chanNum++
		}
	}
}

// refreshFromOS re-reads every cached device property from the HAL and
// rebuilds the channel tables and routings under the realtime lock.
func (c *deviceCore) refreshFromOS() {
	c.stopRefreshTimer()

	if c.deviceID == 0 {
		return
	}

	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()

	if sr, err := c.hal.NominalSampleRate(c.deviceID); err == nil {
		c.sampleRate = sr
	} else {
		log.Printf("CoreAudio: sample rate read failed for device %d: %v", c.deviceID, err)
	}

	if frames, err := c.hal.BufferFrameSize(c.deviceID); err == nil {
		c.bufferSize = frames
		if c.bufferSize > 0 {
			c.setTempBufferSize(c.numInputChans+c.numOutputChans, c.bufferSize)
		}
	} else {
		log.Printf("CoreAudio: buffer frame size read failed for device %d: %v", c.deviceID, err)
	}

	c.bufferSizes = c.bufferSizes[:0]
	if ranges, err := c.hal.BufferFrameSizeRange(c.deviceID); err == nil && len(ranges) > 0 {
		c.bufferSizes = append(c.bufferSizes, int(ranges[0].Min))
		for i := 32; i < 8192; i += 32 {
			for _, r := range ranges {
				if float64(i) >= r.Min && float64(i) <= r.Max {
					c.bufferSizes = appendIntIfAbsent(c.bufferSizes, i)
					break
				}
			}
		}
		if c.bufferSize > 0 {
			c.bufferSizes = appendIntIfAbsent(c.bufferSizes, c.bufferSize)
		}
	}
	if len(c.bufferSizes) == 0 && c.bufferSize > 0 {
		c.bufferSizes = append(c.bufferSizes, c.bufferSize)
	}

	c.sampleRates = c.sampleRates[:0]
	if ranges, err := c.hal.AvailableSampleRates(c.deviceID); err == nil {
		for _, rate := range possibleSampleRates {
			for _, r := range ranges {
				if rate >= r.Min-2 && rate <= r.Max+2 {
					c.sampleRates = append(c.sampleRates, rate)
					break
				}
			}
		}
	}
	if len(c.sampleRates) == 0 && c.sampleRate > 0 {
		c.sampleRates = append(c.sampleRates, c.sampleRate)
	}

	c.inputLatency = 0
	c.outputLatency = 0
	if lat, err := c.hal.Latency(c.deviceID, true); err == nil {
		c.inputLatency = lat
	}
	if lat, err := c.hal.Latency(c.deviceID, false); err == nil {
		c.outputLatency = lat
	}

	c.inChanNames = c.inChanNames[:0]
	c.outChanNames = c.outChanNames[:0]
	c.inputRouting = [MaxChannels]channelRouting{}
	c.outputRouting = [MaxChannels]channelRouting{}
	c.numInputRoutings = 0
	c.numOutputRoutings = 0

	c.fillInChannelInfo(true)
	c.fillInChannelInfo(false)
}

// reopen reconfigures the device for the given channel masks, sample rate
// and buffer size, then polls the HAL until the values converge. Must not be
// called from the I/O thread. Returns the empty string on success.
func (c *deviceCore) reopen(inputChans, outputChans ChannelMask, rate float64, bufferFrames int) string {
	c.lastError = ""
	c.setCallbacksAllowed(false)
	c.stopRefreshTimer()
	c.stop(false)

	c.callbackLock.Lock()
	c.activeInputChans = inputChans.truncated(len(c.inChanNames))
	c.activeOutputChans = outputChans.truncated(len(c.outChanNames))
	c.numInputChans = c.activeInputChans.Count()
	c.numOutputChans = c.activeOutputChans.Count()
	c.callbackLock.Unlock()

	if c.deviceID != 0 {
		if err := c.hal.SetNominalSampleRate(c.deviceID, false, rate); err != nil {
			log.Printf("CoreAudio: set sample rate failed for device %d: %v", c.deviceID, err)
		}
		if err := c.hal.SetNominalSampleRate(c.deviceID, true, rate); err != nil {
			log.Printf("CoreAudio: set sample rate failed for device %d: %v", c.deviceID, err)
		}
		if err := c.hal.SetBufferFrameSize(c.deviceID, false, bufferFrames); err != nil {
			log.Printf("CoreAudio: set buffer size failed for device %d: %v", c.deviceID, err)
		}
		if err := c.hal.SetBufferFrameSize(c.deviceID, true, bufferFrames); err != nil {
			log.Printf("CoreAudio: set buffer size failed for device %d: %v", c.deviceID, err)
		}

		// Some devices apply the change asynchronously.
		converged := false
		for i := 0; i < reopenPollAttempts; i++ {
			c.refreshFromOS()
			if c.getSampleRate() == rate && c.getBufferSize() == bufferFrames {
				converged = true
				break
			}
			time.Sleep(reopenPollInterval)
		}

		if !converged {
			c.lastError = "Couldn't change sample rate/buffer size"
		}
	}

	if c.numSampleRates() == 0 {
		c.lastError = "Device has no available sample-rates"
	}
	if c.numBufferSizes() == 0 {
		c.lastError = "Device has no available buffer-sizes"
	}

	if c.slave != nil && c.lastError == "" {
		c.lastError = c.slave.reopen(inputChans, outputChans, rate, bufferFrames)
	}

	c.setCallbacksAllowed(true)
	return c.lastError
}

// start installs and starts the I/O proc, then binds the client under the
// realtime lock. A slave is started with the same client but never invokes
// it; its proc only keeps the capture buffers current.
func (c *deviceCore) start(cb IOCallback) bool {
	if !c.started {
		c.callbackLock.Lock()
		c.client = nil
		c.callbackLock.Unlock()

		if c.deviceID != 0 {
			if err := c.hal.AddIOProc(c.deviceID, c.audioCallback); err != nil {
				log.Printf("CoreAudio: failed to install I/O proc for device %d: %v", c.deviceID, err)
			} else if err := c.hal.StartDevice(c.deviceID); err != nil {
				log.Printf("CoreAudio: failed to start device %d: %v", c.deviceID, err)
				if err := c.hal.RemoveIOProc(c.deviceID); err != nil {
					log.Printf("CoreAudio: failed to remove I/O proc for device %d: %v", c.deviceID, err)
				}
			} else {
				c.started = true
			}
		}
	}

	if c.started {
		c.callbackLock.Lock()
		c.client = cb
		c.callbackLock.Unlock()
	}

	if c.slave != nil {
		return c.started && c.slave.start(cb)
	}
	return c.started
}

// stop unbinds the client and, unless leaveInterruptRunning is set, stops and
// removes the I/O proc, then polls the HAL until the device quiesces. Must
// not be called from the I/O thread.
func (c *deviceCore) stop(leaveInterruptRunning bool) {
	c.callbackLock.Lock()
	c.client = nil
	c.callbackLock.Unlock()

	if c.started && c.deviceID != 0 && !leaveInterruptRunning {
		if err := c.hal.StopDevice(c.deviceID); err != nil {
			log.Printf("CoreAudio: failed to stop device %d: %v", c.deviceID, err)
		}
		if err := c.hal.RemoveIOProc(c.deviceID); err != nil {
			log.Printf("CoreAudio: failed to remove I/O proc for device %d: %v", c.deviceID, err)
		}
		c.started = false

		// Lock/unlock lets any in-flight callback drain.
		c.callbackLock.Lock()
		c.callbackLock.Unlock()

		for i := 0; i < stopPollAttempts; i++ {
			time.Sleep(stopPollInterval)
			running, err := c.hal.DeviceIsRunning(c.deviceID)
			if err != nil || !running {
				break
			}
		}

		c.callbackLock.Lock()
		c.callbackLock.Unlock()
	}

	if c.slave != nil {
		c.slave.stop(leaveInterruptRunning)
	}
}

// audioCallback is the realtime data path: deinterleave OS input streams into
// the temp buffers, hand them to the client, interleave the client's output
// back into the OS streams. With no client bound, active output slots are
// zero-filled.
func (c *deviceCore) audioCallback(in, out []StreamBuffer) {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()

	if c.client == nil {
		c.zeroFillOutputs(out)
		return
	}

	if c.slave == nil {
		for i := c.numInputChans - 1; i >= 0; i-- {
			info := &c.inputRouting[i]
			stride := info.dataStrideSamples
			if stride == 0 || info.streamNum >= len(in) {
				continue
			}
			src := in[info.streamNum].Data
			dest := c.tempInputBuffers[i]
			idx := info.dataOffsetSamples
			for k := 0; k < c.bufferSize && idx < len(src); k++ {
				dest[k] = src[idx]
				idx += stride
			}
		}
	}

	if c.isSlave {
		// The master reads our capture buffers on its own proc; any output
		// channels of our own stay silent.
		c.zeroFillOutputs(out)
		return
	}

	inputs := c.tempInputBuffers[:]
	numIn := c.numInputChans
	if c.slave != nil {
		c.slave.callbackLock.Lock()
		inputs = c.slave.tempInputBuffers[:]
		numIn = c.slave.numInputChans
	}

	c.client.AudioDeviceIOCallback(inputs[:numIn], numIn,
		c.tempOutputBuffers[:c.numOutputChans], c.numOutputChans, c.bufferSize)

	if c.slave != nil {
		c.slave.callbackLock.Unlock()
	}

	for i := c.numOutputChans - 1; i >= 0; i-- {
		info := &c.outputRouting[i]
		stride := info.dataStrideSamples
		if stride == 0 || info.streamNum >= len(out) {
			continue
		}
		src := c.tempOutputBuffers[i]
		dst := out[info.streamNum].Data
		idx := info.dataOffsetSamples
		for k := 0; k < c.bufferSize && idx < len(dst); k++ {
			dst[idx] = src[k]
			idx += stride
		}
	}
}

// zeroFillOutputs silences every active output slot. Caller holds
// callbackLock.
func (c *deviceCore) zeroFillOutputs(out []StreamBuffer) {
	n := c.numOutputChans
	if c.numOutputRoutings < n {
		n = c.numOutputRoutings
	}
	for i := n - 1; i >= 0; i-- {
		info := &c.outputRouting[i]
		stride := info.dataStrideSamples
		if stride == 0 || info.streamNum >= len(out) {
			continue
		}
		dst := out[info.streamNum].Data
		idx := info.dataOffsetSamples
		for k := 0; k < c.bufferSize && idx < len(dst); k++ {
			dst[idx] = 0
			idx += stride
		}
	}
}

// propertyChanged routes HAL notifications: only properties that invalidate
// cached device state trigger a refresh. Volume, mute, play-through, data
// source and is-running changes are ignored.
func (c *deviceCore) propertyChanged(sel PropertySelector) {
	switch sel {
	case selBufferSize, selBufferFrameSize, selNominalSampleRate,
		selStreamFormat, selDeviceIsAlive:
		c.deviceDetailsChanged()
	}
}

// deviceDetailsChanged (re)arms the one-shot refresh timer, coalescing a
// burst of OS notifications into a single refresh. Re-arming pushes the
// deadline forward.
func (c *deviceCore) deviceDetailsChanged() {
	if !c.getCallbacksAllowed() {
		return
	}

	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
	c.refreshTimer = time.AfterFunc(refreshDebounce, c.refreshTimerFired)
}

func (c *deviceCore) refreshTimerFired() {
	oldSampleRate := c.getSampleRate()
	oldBufferSize := c.getBufferSize()

	c.refreshFromOS()

	if c.getSampleRate() != oldSampleRate || c.getBufferSize() != oldBufferSize {
		c.setCallbacksAllowed(false)
		c.stop(false)
		c.refreshFromOS()
		c.setCallbacksAllowed(true)
	}
}

func (c *deviceCore) stopRefreshTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
	}
}

// sources returns the device's data source names for one direction, in the
// HAL's order.
func (c *deviceCore) sources(input bool) []string {
	if c.deviceID == 0 {
		return nil
	}

	types, err := c.hal.DataSources(c.deviceID, input)
	if err != nil {
		return nil
	}

	var names []string
	for _, t := range types {
		name, err := c.hal.DataSourceName(c.deviceID, input, t)
		if err != nil {
			log.Printf("CoreAudio: data source name read failed for device %d: %v", c.deviceID, err)
			continue
		}
		names = append(names, name)
	}
	return names
}

// currentSourceIndex returns the position of the active data source in the
// HAL's source list, or -1.
func (c *deviceCore) currentSourceIndex(input bool) int {
	if c.deviceID == 0 {
		return -1
	}

	current, err := c.hal.CurrentDataSource(c.deviceID, input)
	if err != nil {
		return -1
	}

	types, err := c.hal.DataSources(c.deviceID, input)
	if err != nil {
		return -1
	}

	for i, t := range types {
		if t == current {
			return i
		}
	}
	return -1
}

func (c *deviceCore) setCurrentSourceIndex(index int, input bool) {
	if c.deviceID == 0 {
		return
	}

	types, err := c.hal.DataSources(c.deviceID, input)
	if err != nil {
		return
	}

	if index >= 0 && index < len(types) {
		if err := c.hal.SetDataSource(c.deviceID, input, types[index]); err != nil {
			log.Printf("CoreAudio: set data source failed for device %d: %v", c.deviceID, err)
		}
	}
}

// relatedDevice finds the first related peer with a complementary direction,
// probing each candidate by opening it. The caller owns the returned core.
func (c *deviceCore) relatedDevice() *deviceCore {
	if c.deviceID == 0 {
		return nil
	}

	devs, err := c.hal.RelatedDevices(c.deviceID)
	if err != nil {
		return nil
	}

	for _, id := range devs {
		if id == c.deviceID || id == 0 {
			continue
		}

		candidate := newDeviceCore(c.hal, id)
		if candidate.lastError == "" {
			thisIsInput := len(c.inChanNames) > 0 && len(c.outChanNames) == 0
			otherIsInput := len(candidate.inChanNames) > 0 && len(candidate.outChanNames) == 0

			if thisIsInput != otherIsInput {
				return candidate
			}
		}

		candidate.close()
	}

	return nil
}

// Locked accessors for state shared with the I/O thread.

func (c *deviceCore) getSampleRate() float64 {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.sampleRate
}

func (c *deviceCore) getBufferSize() int {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.bufferSize
}

func (c *deviceCore) getCallbacksAllowed() bool {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.callbacksAllowed
}

func (c *deviceCore) setCallbacksAllowed(allowed bool) {
	c.callbackLock.Lock()
	c.callbacksAllowed = allowed
	c.callbackLock.Unlock()
}

func (c *deviceCore) currentClient() IOCallback {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.client
}

func (c *deviceCore) numSampleRates() int {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return len(c.sampleRates)
}

func (c *deviceCore) numBufferSizes() int {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return len(c.bufferSizes)
}

func (c *deviceCore) rates() []float64 {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	out := make([]float64, len(c.sampleRates))
	copy(out, c.sampleRates)
	return out
}

func (c *deviceCore) sizes() []int {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	out := make([]int, len(c.bufferSizes))
	copy(out, c.bufferSizes)
	return out
}

func (c *deviceCore) inputNames() []string {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	out := make([]string, len(c.inChanNames))
	copy(out, c.inChanNames)
	return out
}

func (c *deviceCore) outputNames() []string {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	out := make([]string, len(c.outChanNames))
	copy(out, c.outChanNames)
	return out
}

func (c *deviceCore) activeInputs() ChannelMask {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.activeInputChans
}

func (c *deviceCore) activeOutputs() ChannelMask {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	return c.activeOutputChans
}

func (c *deviceCore) latency(input bool) int {
	c.callbackLock.Lock()
	defer c.callbackLock.Unlock()
	if input {
		return c.inputLatency
	}
	return c.outputLatency
}

func appendIntIfAbsent(list []int, v int) []int {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
